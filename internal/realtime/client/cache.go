package client

import (
	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

// Query keys refetched when mail arrives
const (
	QueryEmails        = "emails"
	QueryThreads       = "threads"
	QueryThreadDetails = "threadDetails"
)

// QueryCache is the dashboard's cache of REST responses
type QueryCache interface {
	Invalidate(key string)
}

// InvalidateQueries refetches email views on new_email, and on sync_completed
// when the sync created messages
func InvalidateQueries(cache QueryCache) Handler {
	invalidate := func() {
		for _, k := range []string{QueryEmails, QueryThreads, QueryThreadDetails} {
			cache.Invalidate(k)
		}
	}
	return func(e realtime.Event) {
		switch e.Type {
		case realtime.EventNewEmail:
			invalidate()
		case realtime.EventSyncCompleted:
			var result models.SyncResult
			if err := e.Decode(&result); err == nil && result.MessagesCreated > 0 {
				invalidate()
			}
		}
	}
}
