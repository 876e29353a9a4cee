package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

const (
	StreamName    = "MAILSYNC_EVENTS"
	SubjectPrefix = "mailsync.events"
	// OriginHeader carries the id of the instance that published the event
	OriginHeader = "Mailsync-Origin"
	globalScope  = "_global"
)

// Relay mirrors realtime events through NATS JetStream so every instance's
// subscribers see events produced anywhere in the cluster
type Relay struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	origin string
	sub    *nats.Subscription
	log    logrus.FieldLogger
}

// Connect dials NATS and obtains a JetStream context
func Connect(url string, log logrus.FieldLogger) (*Relay, error) {
	nc, err := nats.Connect(url, nats.Name("assist-mailsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Relay{nc: nc, js: js, origin: uuid.NewString(), log: log}, nil
}

// EnsureStream creates the event stream if it does not exist yet
func (r *Relay) EnsureStream(ctx context.Context) error {
	info, err := r.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// SubjectFor returns mailsync.events.<mailboxId|_global>.<type>
func SubjectFor(e realtime.Event) string {
	scope := e.Scope.MailboxID
	if scope == "" {
		scope = globalScope
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, scope, e.Type)
}

// Forward publishes e with its id as the JetStream dedup id
func (r *Relay) Forward(ctx context.Context, e realtime.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(SubjectFor(e))
	msg.Data = data
	msg.Header.Set(OriginHeader, r.origin)

	if _, err := r.js.PublishMsg(msg, nats.MsgId(e.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Listen delivers events published by other instances. Events carrying this
// relay's own origin are dropped because they were already delivered locally.
func (r *Relay) Listen(deliver func(realtime.Event)) error {
	sub, err := r.nc.Subscribe(SubjectPrefix+".>", func(m *nats.Msg) {
		e, ok := r.decode(m)
		if ok {
			deliver(e)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) decode(m *nats.Msg) (realtime.Event, bool) {
	var e realtime.Event
	if m.Header.Get(OriginHeader) == r.origin {
		return e, false
	}
	if err := json.Unmarshal(m.Data, &e); err != nil {
		r.log.WithError(err).WithField("subject", m.Subject).Warn("dropping malformed relayed event")
		return e, false
	}
	return e, true
}

// Close drains the subscription and closes the connection
func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Close()
	}
}
