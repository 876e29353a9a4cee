package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// ErrCursorExpired is returned by a provider when the stored cursor can no
// longer be resumed from and a full sync is required
var ErrCursorExpired = errors.New("sync cursor expired")

// ChangeType classifies a delta entry
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is one entry of a provider delta, normalized across providers
type Change struct {
	Type    ChangeType
	Message models.Message
	// Raw is the RFC 822 source when the provider exposes it
	Raw []byte
}

// Checkpoint is the opaque resume point of a mailbox
type Checkpoint struct {
	// Graph: deltaLink; Gmail: history id; IMAP: uidvalidity:lastuid
	Cursor string
}

// MailProvider fetches mailbox changes from an upstream mail service
type MailProvider interface {
	// FullSync walks the whole mailbox and returns a cursor for later increments
	FullSync(ctx context.Context, mb models.Mailbox, fn func(Change) error) (*Checkpoint, error)

	// IncrementalSync emits the changes since cp. It returns ErrCursorExpired
	// when cp is no longer valid upstream.
	IncrementalSync(ctx context.Context, mb models.Mailbox, cp Checkpoint, fn func(Change) error) (*Checkpoint, error)
}
