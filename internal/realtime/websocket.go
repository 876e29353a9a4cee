package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Frame is the envelope of every WebSocket message
type Frame struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}

// FrameFor names a frame after the event topic; the greeting is sent as "connected"
func FrameFor(e Event) Frame {
	name := e.Topic
	if e.Type == EventConnected {
		name = string(EventConnected)
	}
	return Frame{Event: name, Data: e}
}

// WebSocketHandler serves the hub over a WebSocket. Filters come from the
// query string and are enforced here, the same way the SSE stream does.
func WebSocketHandler(hub *Hub, allowedOrigins []string, log logrus.FieldLogger) http.Handler {
	return websocket.Server{
		Handshake: func(cfg *websocket.Config, r *http.Request) error {
			// a custom handshake replaces the default one that fills cfg.Origin
			origin, err := websocket.Origin(cfg, r)
			if err != nil {
				return err
			}
			cfg.Origin = origin
			if origin == nil || originAllowed(allowedOrigins, origin.Scheme+"://"+origin.Host) {
				return nil
			}
			log.WithField("origin", cfg.Origin.String()).Warn("rejected websocket origin")
			return websocket.ErrBadWebSocketOrigin
		},
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()

			sub := hub.Subscribe(FilterFromQuery(ws.Request().URL.Query()))
			defer hub.Unsubscribe(sub)

			logger := log.WithFields(logrus.Fields{"client_id": sub.ID, "transport": "websocket"})
			logger.Info("realtime client connected")
			defer logger.Info("realtime client disconnected")

			// client messages are ignored; reading only detects the close
			closed := make(chan struct{})
			go func() {
				defer close(closed)
				var discard string
				for {
					if err := websocket.Message.Receive(ws, &discard); err != nil {
						return
					}
				}
			}()

			if err := websocket.JSON.Send(ws, FrameFor(Connected(sub.ID, time.Now().UTC()))); err != nil {
				return
			}

			for {
				select {
				case <-closed:
					return
				case e, ok := <-sub.Events():
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, FrameFor(e)); err != nil {
						logger.WithError(err).Debug("websocket write failed")
						return
					}
				}
			}
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
			return true
		}
	}
	return false
}
