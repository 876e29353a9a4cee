package realtime

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	engws "github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"
)

// SocketIONamespace is the namespace dashboards connect to on /socket.io
const SocketIONamespace = "/realtime"

// socketConn is the part of socketio.Conn the adapter uses
type socketConn interface {
	ID() string
	URL() url.URL
	Emit(event string, v ...interface{})
	Close() error
}

// SocketIO serves the hub as a Socket.IO namespace. Each connection gets its
// own hub subscriber, filtered by the mailboxId, mailboxIds and topics query
// parameters of the handshake. Frames are emitted under the topic name with
// the event as their only argument; the greeting is emitted as "connected".
type SocketIO struct {
	hub    *Hub
	server *socketio.Server
	log    logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*Subscriber
}

func NewSocketIO(hub *Hub, allowedOrigins []string, log logrus.FieldLogger) *SocketIO {
	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || originAllowed(allowedOrigins, strings.TrimRight(origin, "/")) {
			return true
		}
		log.WithField("origin", origin).Warn("rejected socket.io origin")
		return false
	}

	s := &SocketIO{
		hub: hub,
		server: socketio.NewServer(&engineio.Options{
			Transports: []transport.Transport{
				&polling.Transport{CheckOrigin: checkOrigin},
				&engws.Transport{CheckOrigin: checkOrigin},
			},
		}),
		log:   log,
		conns: make(map[string]*Subscriber),
	}

	s.server.OnConnect(SocketIONamespace, func(c socketio.Conn) error {
		s.attach(c)
		return nil
	})
	s.server.OnDisconnect(SocketIONamespace, func(c socketio.Conn, reason string) {
		s.detach(c.ID(), reason)
	})
	s.server.OnError(SocketIONamespace, func(c socketio.Conn, err error) {
		entry := log.WithError(err)
		if c != nil {
			entry = entry.WithField("socket_id", c.ID())
		}
		entry.Warn("socket.io error")
	})
	return s
}

// Start runs the connection loop; it returns once Close is called
func (s *SocketIO) Start() {
	go func() {
		if err := s.server.Serve(); err != nil {
			s.log.WithError(err).Error("socket.io server stopped")
		}
	}()
}

func (s *SocketIO) Close() error {
	return s.server.Close()
}

func (s *SocketIO) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.ServeHTTP(w, r)
}

func (s *SocketIO) attach(c socketConn) {
	u := c.URL()
	sub := s.hub.Subscribe(FilterFromQuery(u.Query()))

	s.mu.Lock()
	s.conns[c.ID()] = sub
	s.mu.Unlock()

	logger := s.log.WithFields(logrus.Fields{"client_id": sub.ID, "socket_id": c.ID(), "transport": "socket.io"})
	logger.Info("realtime client connected")

	emit(c, Connected(sub.ID, time.Now().UTC()))
	go func() {
		for e := range sub.Events() {
			emit(c, e)
		}
		// the hub closed the channel; drop the socket unless the client left first
		s.mu.Lock()
		_, live := s.conns[c.ID()]
		delete(s.conns, c.ID())
		s.mu.Unlock()
		if live {
			logger.Info("closing evicted socket.io client")
			c.Close()
		}
	}()
}

func (s *SocketIO) detach(id, reason string) {
	s.mu.Lock()
	sub, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.hub.Unsubscribe(sub)
	s.log.WithFields(logrus.Fields{"client_id": sub.ID, "socket_id": id, "reason": reason}).Info("realtime client disconnected")
}

func emit(c socketConn, e Event) {
	f := FrameFor(e)
	c.Emit(f.Event, f.Data)
}
