package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// KeepAlive is how often an idle SSE stream gets a comment line
var KeepAlive = 25 * time.Second

// FilterFromQuery reads topics, mailboxId and mailboxIds query parameters
func FilterFromQuery(q map[string][]string) Filter {
	mailboxes := append([]string{}, q["mailboxId"]...)
	mailboxes = append(mailboxes, q["mailboxIds"]...)
	return Filter{
		Topics:     ParseList(q["topics"]...),
		MailboxIDs: ParseList(mailboxes...),
	}
}

// StreamHandler serves a Server-Sent Events stream of hub events
func StreamHandler(hub *Hub, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := hub.Subscribe(FilterFromQuery(c.Request.URL.Query()))
		defer hub.Unsubscribe(sub)

		logger := log.WithFields(logrus.Fields{"client_id": sub.ID, "transport": "sse"})
		logger.Info("realtime client connected")
		defer logger.Info("realtime client disconnected")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		if err := writeSSE(c.Writer, Connected(sub.ID, time.Now().UTC())); err != nil {
			return
		}

		ticker := time.NewTicker(KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeSSE(c.Writer, e); err != nil {
					logger.WithError(err).Debug("sse write failed")
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
