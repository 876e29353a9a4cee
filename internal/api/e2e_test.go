package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/websocket"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
	"github.com/Martian-dev/assist-mailsync/internal/webhook"
)

// deltaProvider returns two new messages in thread T1 when asked for changes since C0
type deltaProvider struct {
	mu   sync.Mutex
	seen []string
}

func (p *deltaProvider) FullSync(context.Context, models.Mailbox, func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	return &mailsync.Checkpoint{Cursor: "C0"}, nil
}

func (p *deltaProvider) IncrementalSync(_ context.Context, _ models.Mailbox, cp mailsync.Checkpoint, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	p.mu.Lock()
	p.seen = append(p.seen, cp.Cursor)
	p.mu.Unlock()

	if cp.Cursor != "C0" {
		return &mailsync.Checkpoint{Cursor: cp.Cursor}, nil
	}
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"AAMk-1", "AAMk-2"} {
		err := fn(mailsync.Change{Type: mailsync.ChangeCreated, Message: models.Message{
			MessageID:  id,
			ThreadID:   "T1",
			Subject:    "Ambulance request",
			ReceivedAt: at.Add(time.Duration(i) * time.Minute),
			Participants: []models.Participant{
				{Address: "hospital@example.com", Role: models.RoleFrom},
				{Address: "support@example.com", Role: models.RoleTo},
			},
		}})
		if err != nil {
			return nil, err
		}
	}
	return &mailsync.Checkpoint{Cursor: "C1"}, nil
}

type noopSyncer struct{}

func (noopSyncer) Sync(_ context.Context, id string) (*models.SyncResult, error) {
	return &models.SyncResult{MailboxID: id}, nil
}

func readEvent(t *testing.T, r *bufio.Reader, want realtime.EventType) realtime.Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e realtime.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data: "))), &e); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if e.Type == want {
			return e
		}
	}
}

func receiveFrame(t *testing.T, ws *websocket.Conn, want string) realtime.Frame {
	t.Helper()
	for {
		var f realtime.Frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			t.Fatalf("receive frame: %v", err)
		}
		if f.Event == want {
			return f
		}
	}
}

func TestWebhookSyncReachesRealtimeClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := newTestStore(t)
	log := quietLogger()

	if err := st.CreateMailbox(ctx, &models.Mailbox{ID: "mbx-1", Address: "support@example.com", DeltaToken: "C0"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMailbox(ctx, &models.Mailbox{ID: "mbx-2", Address: "claims@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSubscription(ctx, &models.Subscription{ID: "sub-1", MailboxID: "mbx-1"}); err != nil {
		t.Fatal(err)
	}

	provider := &deltaProvider{}
	hub := realtime.NewHub(realtime.DefaultBuffer, log)
	broadcaster := realtime.NewBroadcaster(hub, st, log)
	engine := mailsync.NewEngine(st, map[models.ProviderName]mailsync.MailProvider{models.ProviderMicrosoft: provider}, broadcaster, log)
	coord := mailsync.NewCoordinator(engine, st, 2, log)
	defer coord.Shutdown(time.Second)
	hook := webhook.NewHandler("s3cret", st, coord, log)

	s := NewServer(Options{}, st, coord, hub, hook.Handle, log)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+"/api/realtime/stream?mailboxId=mbx-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	stream := bufio.NewReader(resp.Body)
	readEvent(t, stream, realtime.EventConnected)

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/realtime?mailboxId=mbx-1", "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer ws.Close()
	receiveFrame(t, ws, "connected")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d", hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := `{"value":[
		{"subscriptionId":"sub-1","changeType":"created","resource":"users/support/messages/1","clientState":"s3cret"},
		{"subscriptionId":"sub-1","changeType":"created","resource":"users/support/messages/2","clientState":"s3cret"},
		{"subscriptionId":"sub-1","changeType":"created","resource":"users/support/messages/3","clientState":"wrong"}
	]}`
	hookResp, err := http.Post(srv.URL+"/mailbox/webhooks/graph", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	hookResp.Body.Close()
	if hookResp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", hookResp.StatusCode)
	}

	completed := readEvent(t, stream, realtime.EventSyncCompleted)
	var result models.SyncResult
	if err := completed.Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.MailboxID != "mbx-1" || result.MessagesProcessed != 2 || result.MessagesCreated != 2 || result.MessagesSkipped != 0 {
		t.Errorf("sse sync result = %+v", result)
	}

	frame := receiveFrame(t, ws, realtime.TopicSyncCompleted)
	if err := frame.Data.Decode(&result); err != nil {
		t.Fatalf("decode ws result: %v", err)
	}
	if frame.Data.Scope.MailboxID != "mbx-1" || result.MessagesCreated != 2 {
		t.Errorf("ws frame = %+v", frame)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(coord.Running()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sync still running: %v", coord.Running())
		}
		time.Sleep(5 * time.Millisecond)
	}
	provider.mu.Lock()
	if diff := cmp.Diff([]string{"C0"}, provider.seen); diff != "" {
		t.Errorf("provider calls mismatch (-want +got):\n%s", diff)
	}
	provider.mu.Unlock()

	mb, err := st.GetMailbox(ctx, "mbx-1")
	if err != nil {
		t.Fatal(err)
	}
	if mb.DeltaToken != "C1" {
		t.Errorf("cursor = %q, want C1", mb.DeltaToken)
	}

	threads := decode[ListResponse[models.ThreadSummary]](t, do(t, s, http.MethodGet, "/api/emails/mailbox/mbx-1/threads", ""))
	if len(threads.Data) != 1 || threads.Data[0].ThreadID != "T1" || threads.Data[0].MessageCount != 2 {
		t.Errorf("threads = %+v", threads.Data)
	}

	notes := decode[ListResponse[models.Notification]](t, do(t, s, http.MethodGet, "/api/notifications?recipientType=mailbox&recipientId=mbx-1", ""))
	if len(notes.Data) != 3 {
		t.Errorf("notification log entries = %d, want 2 new_email + 1 sync_completed", len(notes.Data))
	}
}

func TestWebhookRejectsBadClientState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestStore(t)
	log := quietLogger()
	hub := realtime.NewHub(realtime.DefaultBuffer, log)
	coord := mailsync.NewCoordinator(noopSyncer{}, st, 1, log)
	defer coord.Shutdown(time.Second)
	hook := webhook.NewHandler("s3cret", st, coord, log)
	s := NewServer(Options{}, st, coord, hub, hook.Handle, log)

	w := do(t, s, http.MethodPost, "/mailbox/webhooks/graph", `{"value":[{"subscriptionId":"sub-1","clientState":"nope"}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}

	w = do(t, s, http.MethodPost, "/mailbox/webhooks/graph?validationToken=abc%20123", "")
	if w.Code != http.StatusOK || w.Body.String() != "abc 123" {
		t.Errorf("handshake = %d %q", w.Code, w.Body.String())
	}
}
