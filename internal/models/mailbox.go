package models

import "time"

// ProviderName identifies the upstream mail provider of a mailbox
type ProviderName string

const (
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderIMAP      ProviderName = "IMAP"
)

// Mailbox is a synced mailbox and its delta cursor
type Mailbox struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	Name         string       `json:"name"`
	Provider     ProviderName `json:"provider"`
	DeltaToken   string       `json:"-"`
	LastSyncedAt *time.Time   `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Subscription maps a provider push subscription to a mailbox
type Subscription struct {
	ID        string     `json:"id"`
	MailboxID string     `json:"mailboxId"`
	Resource  string     `json:"resource"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// SyncResult summarizes a single sync run
type SyncResult struct {
	MailboxID         string    `json:"mailboxId"`
	MailboxAddress    string    `json:"mailboxAddress"`
	MessagesProcessed int       `json:"messagesProcessed"`
	MessagesCreated   int       `json:"messagesCreated"`
	MessagesSkipped   int       `json:"messagesSkipped"`
	SyncedAt          time.Time `json:"syncedAt"`
}
