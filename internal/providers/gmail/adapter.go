package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/providers/mimeparse"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

// api is the slice of the Gmail REST surface the adapter uses
type api interface {
	HistoryID(ctx context.Context, user string) (uint64, error)
	ListMessages(ctx context.Context, user string, fn func(ids []string) error) error
	History(ctx context.Context, user string, start uint64, fn func(*gmail.ListHistoryResponse) error) error
	Raw(ctx context.Context, user, id string) (*gmail.Message, error)
}

// Adapter implements MailProvider with the Gmail history API
type Adapter struct {
	api api
}

// New builds an adapter that impersonates each mailbox through domain-wide
// delegation of the service account in credentialsFile
func New(ctx context.Context, credentialsFile string) (*Adapter, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gmail credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Gmail credentials: %w", err)
	}
	return &Adapter{api: &delegatedAPI{base: ctx, conf: conf, services: map[string]*gmail.Service{}}}, nil
}

// FullSync records the current history id first so nothing arriving during
// the walk is missed, then emits every message
func (a *Adapter) FullSync(ctx context.Context, mb models.Mailbox, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	historyID, err := a.api.HistoryID(ctx, mb.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	err = a.api.ListMessages(ctx, mb.Address, func(ids []string) error {
		for _, id := range ids {
			ch, err := a.fetch(ctx, mb, id)
			if err != nil {
				return err
			}
			if err := fn(ch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return &mailsync.Checkpoint{Cursor: strconv.FormatUint(historyID, 10)}, nil
}

// IncrementalSync replays history records after the stored history id. Gmail
// answers 404 once that id has aged out.
func (a *Adapter) IncrementalSync(ctx context.Context, mb models.Mailbox, cp mailsync.Checkpoint, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	if cp.Cursor == "" {
		return a.FullSync(ctx, mb, fn)
	}
	start, err := strconv.ParseUint(cp.Cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", mailsync.ErrCursorExpired, cp.Cursor)
	}

	latest := start
	seen := make(map[string]bool)
	err = a.api.History(ctx, mb.Address, start, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || seen[rec.Message.Id] {
					continue
				}
				seen[rec.Message.Id] = true
				ch, err := a.fetch(ctx, mb, rec.Message.Id)
				if err != nil {
					return err
				}
				if err := fn(ch); err != nil {
					return err
				}
			}
			for _, rec := range h.MessagesDeleted {
				if rec.Message == nil {
					continue
				}
				if err := fn(mailsync.Change{Type: mailsync.ChangeDeleted, Message: models.Message{MessageID: rec.Message.Id}}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		var merr *messageError
		if !errors.As(err, &merr) && notFound(err) {
			return nil, fmt.Errorf("%w: history id %d", mailsync.ErrCursorExpired, start)
		}
		return nil, fmt.Errorf("failed to sync history: %w", err)
	}

	return &mailsync.Checkpoint{Cursor: strconv.FormatUint(latest, 10)}, nil
}

// messageError marks a failure reading one message, as opposed to the
// history or list call that produced its id
type messageError struct {
	id  string
	err error
}

func (e *messageError) Error() string { return fmt.Sprintf("message %s: %v", e.id, e.err) }

func (e *messageError) Unwrap() error { return e.err }

func notFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// fetch loads one message. A message removed before it could be read (a
// discarded draft, purged spam) is reported as a delete.
func (a *Adapter) fetch(ctx context.Context, mb models.Mailbox, id string) (mailsync.Change, error) {
	m, err := a.api.Raw(ctx, mb.Address, id)
	if err != nil {
		if notFound(err) {
			return mailsync.Change{Type: mailsync.ChangeDeleted, Message: models.Message{MessageID: id}}, nil
		}
		return mailsync.Change{}, &messageError{id: id, err: fmt.Errorf("failed to get message: %w", err)}
	}
	raw, err := base64.URLEncoding.DecodeString(m.Raw)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(m.Raw); err != nil {
			return mailsync.Change{}, &messageError{id: id, err: fmt.Errorf("failed to decode message: %w", err)}
		}
	}

	parsed, err := mimeparse.Parse(raw)
	if err != nil {
		return mailsync.Change{}, &messageError{id: id, err: err}
	}

	msg := parsed.Message
	msg.MessageID = m.Id
	msg.ThreadID = m.ThreadId
	var internal time.Time
	if m.InternalDate > 0 {
		internal = time.UnixMilli(m.InternalDate)
	}
	msg.ReceivedAt = mimeparse.ReceivedAt(internal, parsed)
	return mailsync.Change{Type: mailsync.ChangeCreated, Message: msg, Raw: raw}, nil
}

// delegatedAPI keeps one Gmail service per impersonated mailbox
type delegatedAPI struct {
	base     context.Context
	conf     *jwt.Config
	mu       sync.Mutex
	services map[string]*gmail.Service
}

func (d *delegatedAPI) service(user string) (*gmail.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if svc, ok := d.services[user]; ok {
		return svc, nil
	}
	conf := *d.conf
	conf.Subject = user
	svc, err := gmail.NewService(d.base, option.WithHTTPClient(conf.Client(d.base)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	d.services[user] = svc
	return svc, nil
}

func (d *delegatedAPI) HistoryID(ctx context.Context, user string) (uint64, error) {
	svc, err := d.service(user)
	if err != nil {
		return 0, err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	return profile.HistoryId, nil
}

func (d *delegatedAPI) ListMessages(ctx context.Context, user string, fn func(ids []string) error) error {
	svc, err := d.service(user)
	if err != nil {
		return err
	}
	call := svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(100)
	return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return fn(ids)
	})
}

func (d *delegatedAPI) History(ctx context.Context, user string, start uint64, fn func(*gmail.ListHistoryResponse) error) error {
	svc, err := d.service(user)
	if err != nil {
		return err
	}
	call := svc.Users.History.List("me").StartHistoryId(start).MaxResults(100)
	return call.Pages(ctx, fn)
}

func (d *delegatedAPI) Raw(ctx context.Context, user, id string) (*gmail.Message, error) {
	svc, err := d.service(user)
	if err != nil {
		return nil, err
	}
	return svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
}
