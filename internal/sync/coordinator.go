package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// DefaultConcurrency bounds SyncAll when no limit is configured
const DefaultConcurrency = 4

// Syncer runs a single mailbox sync
type Syncer interface {
	Sync(ctx context.Context, mailboxID string) (*models.SyncResult, error)
}

// MailboxLister enumerates mailboxes for SyncAll
type MailboxLister interface {
	ListMailboxes(ctx context.Context) ([]models.Mailbox, error)
}

type mailboxState struct {
	lock    chan struct{} // held while a sync of this mailbox runs
	running bool
	refs    int  // callers holding or waiting for lock
	queued  bool // a background loop owns this mailbox
	dirty   bool // a trigger arrived while the loop was busy
}

// Coordinator serializes syncs per mailbox. Webhook triggers are coalesced:
// a trigger during an active run schedules exactly one follow-up run.
type Coordinator struct {
	syncer      Syncer
	mailboxes   MailboxLister
	concurrency int
	log         logrus.FieldLogger

	mu     sync.Mutex
	states map[string]*mailboxState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(syncer Syncer, mailboxes MailboxLister, concurrency int, log logrus.FieldLogger) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		syncer:      syncer,
		mailboxes:   mailboxes,
		concurrency: concurrency,
		log:         log,
		states:      make(map[string]*mailboxState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// state must be called with mu held
func (c *Coordinator) state(mailboxID string) *mailboxState {
	st, ok := c.states[mailboxID]
	if !ok {
		st = &mailboxState{lock: make(chan struct{}, 1)}
		c.states[mailboxID] = st
	}
	return st
}

// forget drops an idle state so unknown or deleted mailboxes do not pile up.
// Must be called with mu held.
func (c *Coordinator) forget(mailboxID string, st *mailboxState) {
	if st.refs == 0 && !st.queued && c.states[mailboxID] == st {
		delete(c.states, mailboxID)
	}
}

func (c *Coordinator) acquire(ctx context.Context, mailboxID string) (func(), error) {
	c.mu.Lock()
	st := c.state(mailboxID)
	st.refs++
	c.mu.Unlock()

	select {
	case st.lock <- struct{}{}:
	case <-ctx.Done():
		c.mu.Lock()
		st.refs--
		c.forget(mailboxID, st)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	st.running = true
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		st.running = false
		<-st.lock
		st.refs--
		c.forget(mailboxID, st)
		c.mu.Unlock()
	}, nil
}

// SyncNow runs a sync synchronously, waiting for any run of the same mailbox
func (c *Coordinator) SyncNow(ctx context.Context, mailboxID string) (*models.SyncResult, error) {
	release, err := c.acquire(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.syncer.Sync(ctx, mailboxID)
}

// Trigger requests a background sync and returns immediately
func (c *Coordinator) Trigger(mailboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	st := c.state(mailboxID)
	if st.queued {
		st.dirty = true
		return
	}
	st.queued = true
	c.wg.Add(1)
	go c.loop(mailboxID, st)
}

func (c *Coordinator) loop(mailboxID string, st *mailboxState) {
	defer c.wg.Done()
	logger := c.log.WithField("mailbox_id", mailboxID)

	for {
		if _, err := c.SyncNow(c.ctx, mailboxID); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("background sync cancelled")
			} else {
				logger.WithError(err).Error("background sync failed")
			}
		}

		c.mu.Lock()
		if st.dirty && !c.closed {
			st.dirty = false
			c.mu.Unlock()
			continue
		}
		st.queued = false
		st.dirty = false
		c.forget(mailboxID, st)
		c.mu.Unlock()
		return
	}
}

// SyncAll syncs every mailbox with bounded concurrency. A failing mailbox does
// not stop the others; all failures are returned joined.
func (c *Coordinator) SyncAll(ctx context.Context) ([]*models.SyncResult, error) {
	mailboxes, err := c.mailboxes.ListMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	var (
		mu      sync.Mutex
		results []*models.SyncResult
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, mb := range mailboxes {
		g.Go(func() error {
			res, err := c.SyncNow(ctx, mb.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.WithError(err).WithField("mailbox_id", mb.ID).Error("sync failed")
				errs = append(errs, fmt.Errorf("%s: %w", mb.Address, err))
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].MailboxAddress < results[j].MailboxAddress })
	return results, errors.Join(errs...)
}

// Running returns the ids of mailboxes with a sync in progress
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for id, st := range c.states {
		if st.running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting triggers, cancels background runs and waits for
// them up to timeout
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for %d running syncs", len(c.Running()))
	}
}
