// Package realtime fans mailbox events out to SSE, WebSocket and Socket.IO subscribers.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// EventType discriminates the payload carried by an Event
type EventType string

const (
	EventConnected     EventType = "connected"
	EventNewEmail      EventType = "new_email"
	EventEmailUpdated  EventType = "email_updated"
	EventEmailDeleted  EventType = "email_deleted"
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
)

// Topic names used by the SSE topics filter and as WebSocket event names
const (
	TopicConnected     = "connection.connected"
	TopicEmailReceived = "email.received"
	TopicEmailUpdated  = "email.updated"
	TopicEmailDeleted  = "email.deleted"
	TopicSyncStarted   = "mailbox.sync.started"
	TopicSyncCompleted = "mailbox.sync.completed"
)

var topics = map[EventType]string{
	EventConnected:     TopicConnected,
	EventNewEmail:      TopicEmailReceived,
	EventEmailUpdated:  TopicEmailUpdated,
	EventEmailDeleted:  TopicEmailDeleted,
	EventSyncStarted:   TopicSyncStarted,
	EventSyncCompleted: TopicSyncCompleted,
}

// TopicFor returns the topic an event type is published under
func TopicFor(t EventType) string {
	return topics[t]
}

// Scope restricts delivery to subscribers of a mailbox. Empty means global.
type Scope struct {
	MailboxID string `json:"mailboxId,omitempty"`
}

// Event is the unit delivered to realtime subscribers
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type"`
	Topic     string          `json:"topic"`
	ClientID  string          `json:"clientId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Scope     Scope           `json:"scope,omitzero"`
	Timestamp time.Time       `json:"timestamp"`
}

// EmailAddress is the sender shape the dashboard renders
type EmailAddress struct {
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName,omitempty"`
}

// NewEmailPayload is carried by new_email events
type NewEmailPayload struct {
	EmailID        string       `json:"emailId"`
	MessageID      string       `json:"messageId"`
	ThreadID       string       `json:"threadId,omitempty"`
	Subject        string       `json:"subject"`
	From           EmailAddress `json:"from"`
	ReceivedAt     time.Time    `json:"receivedAt"`
	MailboxAddress string       `json:"mailboxAddress"`
}

// SyncStartedPayload is carried by sync_started events
type SyncStartedPayload struct {
	MailboxID      string `json:"mailboxId"`
	MailboxAddress string `json:"mailboxAddress"`
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

func newEvent(t EventType, mailboxID string, payload interface{}) Event {
	e := Event{
		Type:  t,
		Topic: TopicFor(t),
		Scope: Scope{MailboxID: mailboxID},
	}
	if payload != nil {
		// payloads are plain structs, marshaling cannot fail
		e.Payload, _ = json.Marshal(payload)
	}
	return e
}

// Connected is the first frame every transport sends
func Connected(clientID string, at time.Time) Event {
	e := newEvent(EventConnected, "", nil)
	e.ClientID = clientID
	e.Timestamp = at
	return e
}

func NewEmail(mb *models.Mailbox, m *models.Message) Event {
	p := NewEmailPayload{
		EmailID:        m.ID,
		MessageID:      m.MessageID,
		ThreadID:       m.ThreadID,
		Subject:        m.Subject,
		ReceivedAt:     m.ReceivedAt,
		MailboxAddress: mb.Address,
	}
	if from := m.From(); from != nil {
		p.From = EmailAddress{EmailAddress: from.Address, DisplayName: from.Name}
	}
	return newEvent(EventNewEmail, mb.ID, p)
}

func SyncStarted(mb *models.Mailbox) Event {
	return newEvent(EventSyncStarted, mb.ID, SyncStartedPayload{MailboxID: mb.ID, MailboxAddress: mb.Address})
}

func SyncCompleted(result *models.SyncResult) Event {
	return newEvent(EventSyncCompleted, result.MailboxID, result)
}
