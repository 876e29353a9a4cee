package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// gatedSyncer blocks every run until release is signalled and tracks overlap
type gatedSyncer struct {
	mu      sync.Mutex
	calls   map[string]int
	active  map[string]int
	overlap bool
	started chan string
	release chan struct{}
	fail    map[string]error
}

func newGatedSyncer() *gatedSyncer {
	return &gatedSyncer{
		calls:   map[string]int{},
		active:  map[string]int{},
		started: make(chan string, 16),
		release: make(chan struct{}),
		fail:    map[string]error{},
	}
}

func (s *gatedSyncer) Sync(ctx context.Context, mailboxID string) (*models.SyncResult, error) {
	s.mu.Lock()
	s.calls[mailboxID]++
	s.active[mailboxID]++
	if s.active[mailboxID] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	s.started <- mailboxID
	select {
	case <-s.release:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.active[mailboxID]--
	s.mu.Unlock()

	if err := s.fail[mailboxID]; err != nil {
		return nil, err
	}
	return &models.SyncResult{MailboxID: mailboxID, MailboxAddress: mailboxID + "@example.com"}, nil
}

func (s *gatedSyncer) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type staticLister []models.Mailbox

func (l staticLister) ListMailboxes(context.Context) ([]models.Mailbox, error) {
	return l, nil
}

func waitStarted(t *testing.T, s *gatedSyncer) string {
	t.Helper()
	select {
	case id := <-s.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not start")
		return ""
	}
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	syncer := newGatedSyncer()
	c := NewCoordinator(syncer, staticLister{}, 2, quietLogger())

	c.Trigger("mbx-1")
	waitStarted(t, syncer)
	if diff := cmp.Diff([]string{"mbx-1"}, c.Running()); diff != "" {
		t.Errorf("running mismatch (-want +got):\n%s", diff)
	}

	// three triggers during the active run collapse into one follow-up
	c.Trigger("mbx-1")
	c.Trigger("mbx-1")
	c.Trigger("mbx-1")

	syncer.release <- struct{}{}
	waitStarted(t, syncer)
	syncer.release <- struct{}{}

	if err := c.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := syncer.callCount("mbx-1"); got != 2 {
		t.Errorf("sync calls = %d, want 2", got)
	}
	if len(c.Running()) != 0 {
		t.Errorf("still running: %v", c.Running())
	}
}

func TestSyncNowSerializesWithTrigger(t *testing.T) {
	syncer := newGatedSyncer()
	c := NewCoordinator(syncer, staticLister{}, 2, quietLogger())

	c.Trigger("mbx-1")
	waitStarted(t, syncer)

	done := make(chan error, 1)
	go func() {
		_, err := c.SyncNow(context.Background(), "mbx-1")
		done <- err
	}()

	select {
	case <-syncer.started:
		t.Fatal("SyncNow ran concurrently with the background sync")
	case <-time.After(50 * time.Millisecond):
	}

	syncer.release <- struct{}{}
	waitStarted(t, syncer)
	syncer.release <- struct{}{}

	if err := <-done; err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if syncer.overlap {
		t.Error("overlapping syncs for one mailbox")
	}
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSyncNowHonoursContext(t *testing.T) {
	syncer := newGatedSyncer()
	c := NewCoordinator(syncer, staticLister{}, 1, quietLogger())

	c.Trigger("mbx-1")
	waitStarted(t, syncer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.SyncNow(ctx, "mbx-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	// Shutdown cancels the blocked background run
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	c.Trigger("mbx-1")
	if got := syncer.callCount("mbx-1"); got != 1 {
		t.Errorf("trigger after shutdown ran a sync: %d calls", got)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	syncer := newGatedSyncer()
	close(syncer.release)
	syncer.fail["mbx-2"] = errors.New("boom")
	lister := staticLister{
		{ID: "mbx-1", Address: "a@example.com"},
		{ID: "mbx-2", Address: "b@example.com"},
		{ID: "mbx-3", Address: "c@example.com"},
	}
	c := NewCoordinator(syncer, lister, 2, quietLogger())

	go func() {
		for range syncer.started {
		}
	}()

	results, err := c.SyncAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	var got []string
	for _, r := range results {
		got = append(got, r.MailboxID)
	}
	if diff := cmp.Diff([]string{"mbx-1", "mbx-3"}, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	close(syncer.started)
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@every 10m", "0 3 * * *"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
	if err := ValidateSchedule("every now and then"); err == nil {
		t.Error("invalid expression accepted")
	}
	if _, err := NewScheduler(NewCoordinator(newGatedSyncer(), staticLister{}, 1, quietLogger()), "bogus", quietLogger()); err == nil {
		t.Error("NewScheduler accepted bogus expression")
	}
}

func TestIdleMailboxStateIsDropped(t *testing.T) {
	syncer := newGatedSyncer()
	syncer.fail["ghost"] = models.ErrNotFound
	c := NewCoordinator(syncer, staticLister{}, 2, quietLogger())
	defer c.Shutdown(time.Second)

	states := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.states)
	}

	for i := 0; i < 3; i++ {
		go func() { syncer.release <- struct{}{} }()
		if _, err := c.SyncNow(context.Background(), "ghost"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		<-syncer.started
	}
	if n := states(); n != 0 {
		t.Errorf("states after SyncNow = %d, want 0", n)
	}

	// a waiter that gives up must not leave its state behind either
	c.Trigger("mbx-1")
	waitStarted(t, syncer)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.SyncNow(ctx, "mbx-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	syncer.release <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for states() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("states = %d after background sync finished", states())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
