package models

import (
	"encoding/json"
	"time"
)

// RecipientMailbox is the recipient type used for mailbox-scoped notifications
const RecipientMailbox = "mailbox"

// Notification is the persisted copy of a broadcast event
type Notification struct {
	ID            string          `json:"id"`
	RecipientType string          `json:"recipientType"`
	RecipientID   string          `json:"recipientId"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ReadAt        *time.Time      `json:"readAt"`
}
