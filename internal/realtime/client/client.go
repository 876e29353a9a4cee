// Package client is the dashboard side of the realtime stream: it keeps one
// connection open, reconnects after a fixed delay and hands events to handlers.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

// DefaultReconnectDelay is the fixed wait between a transport error and the next attempt
const DefaultReconnectDelay = 5 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Timer is a pending reconnect
type Timer interface {
	Stop() bool
}

// Clock schedules reconnects
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Stream is one open connection
type Stream interface {
	Recv() (realtime.Event, error)
	Close() error
}

// Transport opens streams. Open must return once the connection is established.
type Transport interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// TransportError reports a dropped or refused realtime connection
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handler receives every event read from the stream
type Handler func(realtime.Event)

type Options struct {
	ReconnectDelay time.Duration
	Clock          Clock
	Log            logrus.FieldLogger
	// OnStateChange is called without locks held whenever the state changes
	OnStateChange func(State)
	// OnError is called for every transport error
	OnError func(error)
}

// Client moves disconnected -> connecting -> connected and back to disconnected
// on error, retrying exactly once per error after ReconnectDelay. No backoff.
type Client struct {
	transport Transport
	handlers  []Handler
	opts      Options

	mu         sync.Mutex
	state      State
	cleaningUp bool
	generation uint64
	timer      Timer
	cancel     context.CancelFunc
	stream     Stream
}

func New(t Transport, opts Options, handlers ...Handler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Client{transport: t, handlers: handlers, opts: opts}
}

// Start opens the first connection
func (c *Client) Start() {
	c.connect()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.cleaningUp {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.run(ctx, gen)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	stream, err := c.transport.Open(ctx)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if c.cleaningUp || gen != c.generation {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	c.setState(StateConnected)
	c.opts.Log.WithField("transport", c.transport.Name()).Info("realtime connected")

	for {
		e, err := stream.Recv()
		if err != nil {
			c.fail(gen, err)
			return
		}
		for _, h := range c.handlers {
			h(e)
		}
	}
}

// fail tears down the connection of generation gen and schedules one reconnect
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.cleaningUp || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer == nil {
		c.timer = c.opts.Clock.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
	}
	c.mu.Unlock()

	terr := &TransportError{Transport: c.transport.Name(), Err: err}
	c.setState(StateDisconnected)
	c.opts.Log.WithError(terr).WithField("retry_in", c.opts.ReconnectDelay).Warn("realtime connection lost")
	if c.opts.OnError != nil {
		c.opts.OnError(terr)
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	cleaningUp := c.cleaningUp
	c.mu.Unlock()
	if !cleaningUp {
		c.connect()
	}
}

// Close stops the pending reconnect and the live connection. Nothing reconnects afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.cleaningUp = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}
