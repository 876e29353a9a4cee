package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fire runs the latest timer the way time.AfterFunc would, unless it was stopped
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	timers := c.pending()
	if len(timers) == 0 {
		t.Fatal("no timer scheduled")
	}
	last := timers[len(timers)-1]
	if !last.stopped {
		last.f()
	}
}

type fakeStream struct {
	events chan realtime.Event
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan realtime.Event), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (s *fakeStream) Recv() (realtime.Event, error) {
	select {
	case e := <-s.events:
		return e, nil
	case err := <-s.errs:
		return realtime.Event{}, err
	case <-s.closed:
		return realtime.Event{}, errors.New("closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	streams chan *fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(chan *fakeStream, 4)}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Open(ctx context.Context) (Stream, error) {
	t.mu.Lock()
	t.opens++
	t.mu.Unlock()
	select {
	case s := <-t.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestClient(tr Transport, clock Clock, handlers ...Handler) *Client {
	log, _ := test.NewNullLogger()
	return New(tr, Options{Clock: clock, Log: log}, handlers...)
}

func TestReconnectAfterFixedDelay(t *testing.T) {
	tr := newFakeTransport()
	clock := &fakeClock{}
	var (
		mu   sync.Mutex
		errs []error
	)
	c := newTestClient(tr, clock)
	c.opts.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	first := newFakeStream()
	tr.streams <- first
	c.Start()
	waitFor(t, "connected", c.Connected)

	first.errs <- errors.New("connection reset")
	waitFor(t, "disconnected", func() bool { return c.State() == StateDisconnected })
	if c.Connected() {
		t.Fatal("still connected after error")
	}

	timers := clock.pending()
	if len(timers) != 1 {
		t.Fatalf("timers = %d, want 1", len(timers))
	}
	if timers[0].d != 5*time.Second {
		t.Errorf("reconnect delay = %v, want 5s", timers[0].d)
	}
	if tr.openCount() != 1 {
		t.Errorf("reconnected before the timer fired")
	}
	select {
	case <-first.closed:
	default:
		t.Error("failed stream was not closed")
	}

	tr.streams <- newFakeStream()
	clock.fire(t)
	waitFor(t, "reconnected", c.Connected)
	if tr.openCount() != 2 {
		t.Errorf("opens = %d, want 2", tr.openCount())
	}

	mu.Lock()
	defer mu.Unlock()
	var terr *TransportError
	if len(errs) != 1 || !errors.As(errs[0], &terr) || terr.Transport != "fake" {
		t.Errorf("errors = %v", errs)
	}
	c.Close()
}

func TestCloseDuringWaitPreventsReconnect(t *testing.T) {
	tr := newFakeTransport()
	clock := &fakeClock{}
	c := newTestClient(tr, clock)

	s := newFakeStream()
	tr.streams <- s
	c.Start()
	waitFor(t, "connected", c.Connected)

	s.errs <- errors.New("boom")
	waitFor(t, "timer", func() bool { return len(clock.pending()) == 1 })

	c.Close()
	if !clock.pending()[0].stopped {
		t.Error("pending reconnect not stopped")
	}
	// a timer that already fired must not reconnect either
	clock.pending()[0].f()
	time.Sleep(20 * time.Millisecond)
	if tr.openCount() != 1 {
		t.Errorf("opens = %d, want 1", tr.openCount())
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v", c.State())
	}
}

func TestCloseCancelsPendingOpen(t *testing.T) {
	tr := newFakeTransport()
	clock := &fakeClock{}
	c := newTestClient(tr, clock)
	c.Start()
	waitFor(t, "open attempt", func() bool { return tr.openCount() == 1 })

	c.Close()
	time.Sleep(20 * time.Millisecond)
	if len(clock.pending()) != 0 {
		t.Error("reconnect scheduled after Close")
	}
}

func TestHandlersReceiveEvents(t *testing.T) {
	tr := newFakeTransport()
	got := make(chan realtime.Event, 1)
	c := newTestClient(tr, &fakeClock{}, func(e realtime.Event) { got <- e })
	defer c.Close()

	s := newFakeStream()
	tr.streams <- s
	c.Start()
	waitFor(t, "connected", c.Connected)

	s.events <- realtime.Event{Type: realtime.EventNewEmail}
	select {
	case e := <-got:
		if e.Type != realtime.EventNewEmail {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

type recordingCache struct {
	keys []string
}

func (c *recordingCache) Invalidate(key string) { c.keys = append(c.keys, key) }

func TestInvalidateQueries(t *testing.T) {
	all := []string{"emails", "threads", "threadDetails"}
	tests := []struct {
		name  string
		event realtime.Event
		want  []string
	}{
		{"new email", realtime.NewEmail(&models.Mailbox{ID: "mbx-1"}, &models.Message{ID: "e1"}), all},
		{"sync created", realtime.SyncCompleted(&models.SyncResult{MailboxID: "mbx-1", MessagesCreated: 2}), all},
		{"sync nothing new", realtime.SyncCompleted(&models.SyncResult{MailboxID: "mbx-1"}), nil},
		{"connected", realtime.Connected("c1", time.Now()), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &recordingCache{}
			InvalidateQueries(cache)(tt.event)
			if diff := cmp.Diff(tt.want, cache.keys); diff != "" {
				t.Errorf("invalidated mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
