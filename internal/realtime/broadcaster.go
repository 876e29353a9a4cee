package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// Relay forwards locally published events to other instances
type Relay interface {
	Forward(ctx context.Context, e Event) error
}

// NotificationLog keeps a read-tracked copy of selected events
type NotificationLog interface {
	AddNotification(ctx context.Context, n *models.Notification) error
}

// Broadcaster is the single publish entry point for sync events
type Broadcaster struct {
	hub           *Hub
	relay         Relay
	notifications NotificationLog
	log           logrus.FieldLogger
	now           func() time.Time
}

func NewBroadcaster(hub *Hub, notifications NotificationLog, log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		hub:           hub,
		notifications: notifications,
		log:           log,
		now:           time.Now,
	}
}

// WithRelay enables cross-instance fan-out
func (b *Broadcaster) WithRelay(r Relay) *Broadcaster {
	b.relay = r
	return b
}

func (b *Broadcaster) Hub() *Hub {
	return b.hub
}

// Publish stamps e and fans it out. Delivery is best effort: subscribers that
// connect later never see it.
func (b *Broadcaster) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	if e.Topic == "" {
		e.Topic = TopicFor(e.Type)
	}

	n := b.hub.Publish(e)
	b.log.WithFields(logrus.Fields{
		"event_type": e.Type,
		"mailbox_id": e.Scope.MailboxID,
		"delivered":  n,
	}).Debug("event published")

	if b.relay != nil {
		if err := b.relay.Forward(ctx, e); err != nil {
			b.log.WithError(err).WithField("event_id", e.ID).Warn("failed to relay event")
		}
	}

	b.record(ctx, e)
}

// Deliver hands an event received from another instance to local subscribers only
func (b *Broadcaster) Deliver(e Event) {
	b.hub.Publish(e)
}

func (b *Broadcaster) record(ctx context.Context, e Event) {
	if b.notifications == nil || e.Scope.MailboxID == "" {
		return
	}
	if e.Type != EventNewEmail && e.Type != EventSyncCompleted {
		return
	}

	n := &models.Notification{
		ID:            e.ID,
		RecipientType: models.RecipientMailbox,
		RecipientID:   e.Scope.MailboxID,
		Type:          string(e.Type),
		Topic:         e.Topic,
		Payload:       e.Payload,
		CreatedAt:     e.Timestamp,
	}
	if err := b.notifications.AddNotification(ctx, n); err != nil {
		b.log.WithError(err).WithField("event_id", e.ID).Warn("failed to record notification")
	}
}
