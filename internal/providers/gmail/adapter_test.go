package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

type fakeAPI struct {
	historyID  uint64
	ids        []string
	history    []*gmail.ListHistoryResponse
	historyErr error
	messages   map[string]*gmail.Message
	startedAt  uint64
}

func (f *fakeAPI) HistoryID(context.Context, string) (uint64, error) { return f.historyID, nil }

func (f *fakeAPI) ListMessages(_ context.Context, _ string, fn func([]string) error) error {
	return fn(f.ids)
}

func (f *fakeAPI) History(_ context.Context, _ string, start uint64, fn func(*gmail.ListHistoryResponse) error) error {
	f.startedAt = start
	if f.historyErr != nil {
		return f.historyErr
	}
	for _, p := range f.history {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAPI) Raw(_ context.Context, _, id string) (*gmail.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	return m, nil
}

func rawMessage(id, thread, subject string, internal time.Time) *gmail.Message {
	src := "From: Client <client@example.com>\r\nTo: support@example.com\r\nSubject: " + subject +
		"\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	return &gmail.Message{
		Id:           id,
		ThreadId:     thread,
		InternalDate: internal.UnixMilli(),
		Raw:          base64.URLEncoding.EncodeToString([]byte(src)),
	}
}

func collect(out *[]mailsync.Change) func(mailsync.Change) error {
	return func(c mailsync.Change) error {
		*out = append(*out, c)
		return nil
	}
}

func TestFullSyncUsesProfileHistoryID(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		historyID: 900,
		ids:       []string{"a", "b"},
		messages: map[string]*gmail.Message{
			"a": rawMessage("a", "t1", "Claim", at),
			"b": rawMessage("b", "t1", "Re: Claim", at.Add(time.Minute)),
		},
	}
	adapter := &Adapter{api: api}

	var changes []mailsync.Change
	cp, err := adapter.FullSync(context.Background(), models.Mailbox{Address: "support@example.com"}, collect(&changes))
	if err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if cp.Cursor != "900" {
		t.Errorf("cursor = %q", cp.Cursor)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d", len(changes))
	}
	m := changes[0].Message
	if m.MessageID != "a" || m.ThreadID != "t1" || m.Subject != "Claim" || !m.ReceivedAt.Equal(at) {
		t.Errorf("message = %+v", m)
	}
	if len(changes[0].Raw) == 0 {
		t.Error("raw source not attached")
	}
	want := []models.Participant{
		{Address: "client@example.com", Name: "Client", Role: models.RoleFrom},
		{Address: "support@example.com", Role: models.RoleTo},
	}
	if diff := cmp.Diff(want, m.Participants); diff != "" {
		t.Errorf("participants mismatch (-want +got):\n%s", diff)
	}
}

func TestIncrementalSyncReplaysHistory(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		history: []*gmail.ListHistoryResponse{{
			HistoryId: 120,
			History: []*gmail.History{
				{Id: 110, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "c"}}}},
				{Id: 111, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "c"}}}},
				{Id: 112, MessagesDeleted: []*gmail.HistoryMessageDeleted{{Message: &gmail.Message{Id: "old"}}}},
			},
		}},
		messages: map[string]*gmail.Message{"c": rawMessage("c", "t2", "New", at)},
	}
	adapter := &Adapter{api: api}

	var changes []mailsync.Change
	cp, err := adapter.IncrementalSync(context.Background(), models.Mailbox{Address: "support@example.com"}, mailsync.Checkpoint{Cursor: "100"}, collect(&changes))
	if err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if api.startedAt != 100 {
		t.Errorf("history started at %d", api.startedAt)
	}
	if cp.Cursor != "120" {
		t.Errorf("cursor = %q, want 120", cp.Cursor)
	}
	var kinds []mailsync.ChangeType
	for _, c := range changes {
		kinds = append(kinds, c.Type)
	}
	if diff := cmp.Diff([]mailsync.ChangeType{mailsync.ChangeCreated, mailsync.ChangeDeleted}, kinds); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestIncrementalSyncExpiredHistory(t *testing.T) {
	api := &fakeAPI{historyErr: &googleapi.Error{Code: http.StatusNotFound, Message: "Requested entity was not found."}}
	adapter := &Adapter{api: api}

	_, err := adapter.IncrementalSync(context.Background(), models.Mailbox{}, mailsync.Checkpoint{Cursor: "5"}, collect(new([]mailsync.Change)))
	if !errors.Is(err, mailsync.ErrCursorExpired) {
		t.Errorf("err = %v, want ErrCursorExpired", err)
	}

	api.historyErr = &googleapi.Error{Code: http.StatusInternalServerError}
	_, err = adapter.IncrementalSync(context.Background(), models.Mailbox{}, mailsync.Checkpoint{Cursor: "5"}, collect(new([]mailsync.Change)))
	if err == nil || errors.Is(err, mailsync.ErrCursorExpired) {
		t.Errorf("err = %v, want plain failure", err)
	}
}

func TestIncrementalSyncVanishedMessageIsSkipped(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		history: []*gmail.ListHistoryResponse{{
			HistoryId: 130,
			History: []*gmail.History{
				{Id: 121, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "draft"}}}},
				{Id: 122, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "d"}}}},
			},
		}},
		messages: map[string]*gmail.Message{"d": rawMessage("d", "t3", "Still here", at)},
	}
	adapter := &Adapter{api: api}

	var changes []mailsync.Change
	cp, err := adapter.IncrementalSync(context.Background(), models.Mailbox{Address: "support@example.com"}, mailsync.Checkpoint{Cursor: "120"}, collect(&changes))
	if errors.Is(err, mailsync.ErrCursorExpired) {
		t.Fatalf("missing message treated as expired history: %v", err)
	}
	if err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if cp.Cursor != "130" {
		t.Errorf("cursor = %q, want 130", cp.Cursor)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	want := mailsync.Change{Type: mailsync.ChangeDeleted, Message: models.Message{MessageID: "draft"}}
	if diff := cmp.Diff(want, changes[0]); diff != "" {
		t.Errorf("vanished message mismatch (-want +got):\n%s", diff)
	}
	if changes[1].Type != mailsync.ChangeCreated || changes[1].Message.MessageID != "d" {
		t.Errorf("second change = %+v", changes[1])
	}
}

func TestMessageErrorIsNotExpiredHistory(t *testing.T) {
	api := &fakeAPI{
		history: []*gmail.ListHistoryResponse{{
			History: []*gmail.History{{Id: 5, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "bad"}}}}},
		}},
		messages: map[string]*gmail.Message{"bad": {Id: "bad", Raw: "%%%"}},
	}
	adapter := &Adapter{api: api}

	_, err := adapter.IncrementalSync(context.Background(), models.Mailbox{}, mailsync.Checkpoint{Cursor: "4"}, collect(new([]mailsync.Change)))
	if err == nil || errors.Is(err, mailsync.ErrCursorExpired) {
		t.Errorf("err = %v, want plain failure", err)
	}
}
