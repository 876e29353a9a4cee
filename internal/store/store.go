package store

import (
	"context"
	"time"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// MessageQuery filters ListMessages
type MessageQuery struct {
	ThreadID string
	Limit    int
	Offset   int
}

// NotificationQuery filters ListNotifications
type NotificationQuery struct {
	RecipientType string
	RecipientID   string
	Limit         int
	Offset        int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Mailboxes persists mailbox records and their delta cursors
type Mailboxes interface {
	CreateMailbox(ctx context.Context, mb *models.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*models.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]models.Mailbox, error)
	// DeleteMailbox removes the mailbox and cascades to its messages and subscriptions
	DeleteMailbox(ctx context.Context, id string) error
}

// Messages persists messages and derives threads from them
type Messages interface {
	// ApplyDelta inserts the messages that are not stored yet and moves the mailbox
	// cursor in a single transaction. It returns the messages that were created.
	ApplyDelta(ctx context.Context, mailboxID string, msgs []*models.Message, cursor string, syncedAt time.Time) ([]*models.Message, error)
	ListMessages(ctx context.Context, mailboxID string, q MessageQuery) ([]models.Message, error)
	ListThreads(ctx context.Context, mailboxID string) ([]models.ThreadSummary, error)
}

// Subscriptions maps provider subscription ids to mailboxes
type Subscriptions interface {
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	MailboxForSubscription(ctx context.Context, subscriptionID string) (string, error)
}

// Notifications is the read-tracked log of broadcast events
type Notifications interface {
	AddNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, q NotificationQuery) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
}

// Store is the full persistence surface of the service
type Store interface {
	Mailboxes
	Messages
	Subscriptions
	Notifications
	Close() error
}

// ClampLimit applies the default and maximum page size
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
