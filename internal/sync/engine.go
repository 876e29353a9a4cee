package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

// Store is the persistence the engine needs
type Store interface {
	GetMailbox(ctx context.Context, id string) (*models.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]models.Mailbox, error)
	ApplyDelta(ctx context.Context, mailboxID string, msgs []*models.Message, cursor string, syncedAt time.Time) ([]*models.Message, error)
}

// Notifier receives the events produced by a sync run
type Notifier interface {
	Publish(ctx context.Context, e realtime.Event)
}

// Archiver stores the raw source of newly created messages
type Archiver interface {
	Archive(ctx context.Context, mailboxID string, msg *models.Message, raw []byte) error
}

// Engine runs one delta sync for a mailbox
type Engine struct {
	store     Store
	providers map[models.ProviderName]MailProvider
	notifier  Notifier
	archiver  Archiver
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewEngine(store Store, providers map[models.ProviderName]MailProvider, notifier Notifier, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:     store,
		providers: providers,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

// WithArchiver enables raw message archiving
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// Sync fetches the delta since the stored cursor, stores new messages and
// moves the cursor in one transaction, then publishes the resulting events.
// Re-running it over the same delta creates nothing.
func (e *Engine) Sync(ctx context.Context, mailboxID string) (*models.SyncResult, error) {
	mb, err := e.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}

	provider, ok := e.providers[mb.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no provider configured for %s", models.ErrValidation, mb.Provider)
	}

	logger := e.log.WithFields(logrus.Fields{"mailbox_id": mb.ID, "mailbox": mb.Address, "provider": mb.Provider})
	e.publish(ctx, realtime.SyncStarted(mb))

	changes, cp, err := e.fetch(ctx, provider, *mb, logger)
	if err != nil {
		logger.WithError(err).Error("delta fetch failed")
		return nil, &models.ProviderError{Provider: mb.Provider, Op: "delta", Err: err}
	}

	cursor := mb.DeltaToken
	if cp != nil {
		cursor = cp.Cursor
	}

	result := &models.SyncResult{MailboxID: mb.ID, MailboxAddress: mb.Address}
	raw := make(map[string][]byte)
	var msgs []*models.Message
	for _, ch := range changes {
		result.MessagesProcessed++
		if ch.Type == ChangeDeleted {
			result.MessagesSkipped++
			continue
		}
		m := ch.Message
		if m.Direction == "" {
			from := ""
			if p := m.From(); p != nil {
				from = p.Address
			}
			m.Direction = models.DirectionFor(mb.Address, from)
		}
		if len(ch.Raw) > 0 {
			raw[m.MessageID] = ch.Raw
		}
		msgs = append(msgs, &m)
	}

	syncedAt := e.now().UTC()
	created, err := e.store.ApplyDelta(ctx, mb.ID, msgs, cursor, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store delta: %w", err)
	}

	result.MessagesCreated = len(created)
	result.MessagesSkipped += len(msgs) - len(created)
	result.SyncedAt = syncedAt

	for _, m := range created {
		e.publish(ctx, realtime.NewEmail(mb, m))
		e.archive(ctx, mb.ID, m, raw[m.MessageID], logger)
	}
	if result.MessagesCreated > 0 {
		e.publish(ctx, realtime.SyncCompleted(result))
	}

	logger.WithFields(logrus.Fields{
		"processed": result.MessagesProcessed,
		"created":   result.MessagesCreated,
		"skipped":   result.MessagesSkipped,
	}).Info("mailbox synced")
	return result, nil
}

// fetch collects the provider delta. An expired cursor falls back to a full sync.
func (e *Engine) fetch(ctx context.Context, p MailProvider, mb models.Mailbox, logger logrus.FieldLogger) ([]Change, *Checkpoint, error) {
	var changes []Change
	collect := func(c Change) error {
		changes = append(changes, c)
		return nil
	}

	if mb.DeltaToken == "" {
		logger.Info("starting full sync")
		cp, err := p.FullSync(ctx, mb, collect)
		return changes, cp, err
	}

	cp, err := p.IncrementalSync(ctx, mb, Checkpoint{Cursor: mb.DeltaToken}, collect)
	if errors.Is(err, ErrCursorExpired) {
		logger.Warn("cursor expired, falling back to full sync")
		changes = nil
		cp, err = p.FullSync(ctx, mb, collect)
	}
	return changes, cp, err
}

func (e *Engine) publish(ctx context.Context, ev realtime.Event) {
	if e.notifier != nil {
		e.notifier.Publish(ctx, ev)
	}
}

func (e *Engine) archive(ctx context.Context, mailboxID string, m *models.Message, raw []byte, logger logrus.FieldLogger) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, mailboxID, m, raw); err != nil {
		logger.WithError(err).WithField("message_id", m.MessageID).Warn("failed to archive message")
	}
}
