// Package mimeparse turns raw RFC 822 messages into stored messages using enmime.
package mimeparse

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// Parsed is a decoded message plus the headers used for threading
type Parsed struct {
	Message    models.Message
	HeaderID   string
	InReplyTo  string
	References []string
}

// ThreadRoot returns the Message-ID of the conversation root: the first
// References entry, else In-Reply-To, else the message's own id
func (p *Parsed) ThreadRoot() string {
	if len(p.References) > 0 {
		return p.References[0]
	}
	if p.InReplyTo != "" {
		return p.InReplyTo
	}
	return p.HeaderID
}

var roles = []struct {
	header string
	role   models.Role
}{
	{"From", models.RoleFrom},
	{"To", models.RoleTo},
	{"Cc", models.RoleCc},
	{"Bcc", models.RoleBcc},
	{"Reply-To", models.RoleReplyTo},
}

// Parse decodes raw. Missing or malformed headers leave the fields empty.
func Parse(raw []byte) (*Parsed, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME message: %w", err)
	}

	p := &Parsed{
		Message: models.Message{
			Subject:  env.GetHeader("Subject"),
			BodyText: env.Text,
			BodyHTML: env.HTML,
		},
		HeaderID:   trimID(env.GetHeader("Message-ID")),
		InReplyTo:  trimID(env.GetHeader("In-Reply-To")),
		References: splitReferences(env.GetHeader("References")),
	}

	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			sent := t.UTC()
			p.Message.SentAt = &sent
		}
	}

	for _, r := range roles {
		list, err := env.AddressList(r.header)
		if err != nil {
			continue
		}
		for _, addr := range list {
			if addr.Address == "" {
				continue
			}
			p.Message.Participants = append(p.Message.Participants, models.Participant{
				Address: strings.ToLower(addr.Address),
				Name:    addr.Name,
				Role:    r.role,
			})
		}
	}
	return p, nil
}

// ReceivedAt picks the provider's arrival time, falling back to the Date header
func ReceivedAt(internal time.Time, p *Parsed) time.Time {
	if !internal.IsZero() {
		return internal.UTC()
	}
	if p.Message.SentAt != nil {
		return *p.Message.SentAt
	}
	return time.Now().UTC()
}

func trimID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func splitReferences(refs string) []string {
	var out []string
	for _, f := range strings.Fields(refs) {
		if id := trimID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}
