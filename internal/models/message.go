package models

import (
	"strings"
	"time"
)

// Direction tells whether a message was received or sent by the mailbox
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Role is the header a participant was listed under
type Role string

const (
	RoleFrom    Role = "from"
	RoleTo      Role = "to"
	RoleCc      Role = "cc"
	RoleBcc     Role = "bcc"
	RoleReplyTo Role = "reply_to"
)

// Participant is one address attached to a message
type Participant struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Role    Role   `json:"role"`
}

// Message is a stored email. It is never updated once inserted.
type Message struct {
	ID           string        `json:"id"`
	MailboxID    string        `json:"mailboxId"`
	MessageID    string        `json:"messageId"`
	ThreadID     string        `json:"threadId,omitempty"`
	Direction    Direction     `json:"direction"`
	Subject      string        `json:"subject"`
	BodyText     string        `json:"bodyText,omitempty"`
	BodyHTML     string        `json:"bodyHtml,omitempty"`
	SentAt       *time.Time    `json:"sentAt,omitempty"`
	ReceivedAt   time.Time     `json:"receivedAt"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// From returns the first "from" participant, or nil
func (m *Message) From() *Participant {
	for i := range m.Participants {
		if m.Participants[i].Role == RoleFrom {
			return &m.Participants[i]
		}
	}
	return nil
}

// DirectionFor reports outgoing when from matches the mailbox address
func DirectionFor(mailboxAddress, from string) Direction {
	if from != "" && strings.EqualFold(strings.TrimSpace(from), strings.TrimSpace(mailboxAddress)) {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// ThreadSummary is the derived view of messages sharing a thread id
type ThreadSummary struct {
	ThreadID     string    `json:"threadId"`
	Subject      string    `json:"subject"`
	MessageCount int       `json:"messageCount"`
	LatestDate   time.Time `json:"latestDate"`
}
