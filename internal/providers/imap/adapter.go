// Package imap syncs plain IMAP mailboxes by UID, for accounts outside Graph and Gmail.
package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/providers/mimeparse"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

// Account is the login of one IMAP mailbox, matched to a mailbox by address
type Account struct {
	Address  string `mapstructure:"address"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Folder   string `mapstructure:"folder"`
}

// fetched is one message returned by a UID FETCH
type fetched struct {
	UID      uint32
	Internal time.Time
	Raw      []byte
}

type session interface {
	// Select opens folder read-only and returns its UIDVALIDITY
	Select(folder string) (uint32, error)
	// FetchAfter streams messages whose UID is greater than uid
	FetchAfter(uid uint32, fn func(fetched) error) error
	Close() error
}

type dialer func(ctx context.Context, acct Account) (session, error)

// Adapter implements MailProvider over IMAP. The cursor is
// "<uidvalidity>:<last uid>"; a UIDVALIDITY change expires it.
type Adapter struct {
	accounts map[string]Account
	dial     dialer
}

func New(accounts []Account) *Adapter {
	return newAdapter(accounts, dialTLS)
}

func newAdapter(accounts []Account, dial dialer) *Adapter {
	byAddress := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if a.Folder == "" {
			a.Folder = "INBOX"
		}
		if a.Port == 0 {
			a.Port = 993
		}
		byAddress[strings.ToLower(a.Address)] = a
	}
	return &Adapter{accounts: byAddress, dial: dial}
}

func (a *Adapter) FullSync(ctx context.Context, mb models.Mailbox, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	return a.sync(ctx, mb, 0, 0, fn)
}

func (a *Adapter) IncrementalSync(ctx context.Context, mb models.Mailbox, cp mailsync.Checkpoint, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	if cp.Cursor == "" {
		return a.FullSync(ctx, mb, fn)
	}
	validity, last, err := parseCursor(cp.Cursor)
	if err != nil {
		return nil, err
	}
	return a.sync(ctx, mb, validity, last, fn)
}

func (a *Adapter) sync(ctx context.Context, mb models.Mailbox, validity, last uint32, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	acct, ok := a.accounts[strings.ToLower(mb.Address)]
	if !ok {
		return nil, fmt.Errorf("no IMAP account configured for %s", mb.Address)
	}

	sess, err := a.dial(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	current, err := sess.Select(acct.Folder)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	if validity != 0 && current != validity {
		return nil, fmt.Errorf("%w: uidvalidity changed from %d to %d", mailsync.ErrCursorExpired, validity, current)
	}

	highest := last
	err = sess.FetchAfter(last, func(f fetched) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// "n:*" always matches the newest message, even when its uid is below n
		if f.UID <= last {
			return nil
		}
		if f.UID > highest {
			highest = f.UID
		}
		ch, err := toChange(current, f)
		if err != nil {
			return err
		}
		return fn(ch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return &mailsync.Checkpoint{Cursor: formatCursor(current, highest)}, nil
}

func toChange(validity uint32, f fetched) (mailsync.Change, error) {
	parsed, err := mimeparse.Parse(f.Raw)
	if err != nil {
		return mailsync.Change{}, fmt.Errorf("uid %d: %w", f.UID, err)
	}

	msg := parsed.Message
	msg.MessageID = parsed.HeaderID
	if msg.MessageID == "" {
		msg.MessageID = formatCursor(validity, f.UID)
	}
	msg.ThreadID = parsed.ThreadRoot()
	if msg.ThreadID == "" {
		msg.ThreadID = msg.MessageID
	}
	msg.ReceivedAt = mimeparse.ReceivedAt(f.Internal, parsed)
	return mailsync.Change{Type: mailsync.ChangeCreated, Message: msg, Raw: f.Raw}, nil
}

func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseCursor(cursor string) (uint32, uint32, error) {
	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed IMAP cursor %q", mailsync.ErrCursorExpired, cursor)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed IMAP cursor %q", mailsync.ErrCursorExpired, cursor)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed IMAP cursor %q", mailsync.ErrCursorExpired, cursor)
	}
	return uint32(validity), uint32(uid), nil
}
