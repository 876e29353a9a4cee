package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestFilterMatches(t *testing.T) {
	scoped := newEvent(EventNewEmail, "mbx-1", nil)
	other := newEvent(EventNewEmail, "mbx-2", nil)
	global := newEvent(EventSyncStarted, "", nil)
	hello := Connected("c1", time.Now())

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"no filter", Filter{}, scoped, true},
		{"mailbox match", Filter{MailboxIDs: []string{"mbx-1"}}, scoped, true},
		{"mailbox mismatch", Filter{MailboxIDs: []string{"mbx-1"}}, other, false},
		{"unscoped passes mailbox filter", Filter{MailboxIDs: []string{"mbx-1"}}, global, true},
		{"topic match", Filter{Topics: []string{TopicEmailReceived}}, scoped, true},
		{"topic mismatch", Filter{Topics: []string{TopicSyncCompleted}}, scoped, false},
		{"connected ignores filters", Filter{Topics: []string{TopicSyncCompleted}, MailboxIDs: []string{"x"}}, hello, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	got := ParseList("a, b", "", "c,,")
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("ParseList mismatch (-want +got):\n%s", diff)
	}
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub(1, quietLogger())
	slow := hub.Subscribe(Filter{})
	fast := hub.Subscribe(Filter{})

	hub.Publish(newEvent(EventSyncStarted, "", nil))
	<-fast.Events()
	hub.Publish(newEvent(EventSyncStarted, "", nil))

	if hub.Count() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Count())
	}
	// queued event is still readable, then the channel is closed
	<-slow.Events()
	if _, ok := <-slow.Events(); ok {
		t.Error("slow subscriber channel not closed")
	}
	hub.Unsubscribe(slow)
	hub.Unsubscribe(fast)
	if hub.Count() != 0 {
		t.Errorf("subscribers = %d, want 0", hub.Count())
	}
}

type memLog struct {
	notifications []*models.Notification
}

func (m *memLog) AddNotification(_ context.Context, n *models.Notification) error {
	m.notifications = append(m.notifications, n)
	return nil
}

type memRelay struct {
	events []Event
}

func (m *memRelay) Forward(_ context.Context, e Event) error {
	m.events = append(m.events, e)
	return nil
}

func TestHubRefusesSubscribersAfterClose(t *testing.T) {
	hub := NewHub(4, quietLogger())
	before := hub.Subscribe(Filter{})
	hub.Close()

	if _, ok := <-before.Events(); ok {
		t.Error("existing subscriber still open after Close")
	}

	late := hub.Subscribe(Filter{MailboxIDs: []string{"mbx-1"}})
	select {
	case _, ok := <-late.Events():
		if ok {
			t.Error("late subscriber received an event")
		}
	default:
		t.Fatal("late subscriber channel is open")
	}
	if n := hub.Count(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	hub.Unsubscribe(late)
	if n := hub.Publish(Event{Type: EventNewEmail, Topic: TopicEmailReceived}); n != 0 {
		t.Errorf("delivered = %d after Close", n)
	}
}

func TestBroadcasterPublish(t *testing.T) {
	hub := NewHub(8, quietLogger())
	notifications := &memLog{}
	relay := &memRelay{}
	b := NewBroadcaster(hub, notifications, quietLogger()).WithRelay(relay)
	b.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	mine := hub.Subscribe(Filter{MailboxIDs: []string{"mbx-1"}})
	theirs := hub.Subscribe(Filter{MailboxIDs: []string{"mbx-2"}})

	mb := &models.Mailbox{ID: "mbx-1", Address: "support@example.com"}
	b.Publish(context.Background(), SyncStarted(mb))
	b.Publish(context.Background(), SyncCompleted(&models.SyncResult{MailboxID: "mbx-1", MessagesCreated: 2}))

	var got []EventType
	for i := 0; i < 2; i++ {
		e := <-mine.Events()
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", e)
		}
		got = append(got, e.Type)
	}
	if diff := cmp.Diff([]EventType{EventSyncStarted, EventSyncCompleted}, got); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	select {
	case e := <-theirs.Events():
		t.Errorf("out of scope event delivered: %+v", e)
	default:
	}

	if len(relay.events) != 2 {
		t.Errorf("relayed = %d, want 2", len(relay.events))
	}
	if len(notifications.notifications) != 1 {
		t.Fatalf("recorded = %d, want 1", len(notifications.notifications))
	}
	n := notifications.notifications[0]
	if n.Type != string(EventSyncCompleted) || n.RecipientID != "mbx-1" || n.RecipientType != models.RecipientMailbox {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestDeliverSkipsRelay(t *testing.T) {
	hub := NewHub(8, quietLogger())
	relay := &memRelay{}
	b := NewBroadcaster(hub, nil, quietLogger()).WithRelay(relay)
	sub := hub.Subscribe(Filter{})

	b.Deliver(newEvent(EventEmailDeleted, "mbx-1", nil))
	if e := <-sub.Events(); e.Type != EventEmailDeleted {
		t.Errorf("type = %s", e.Type)
	}
	if len(relay.events) != 0 {
		t.Error("remote event was relayed again")
	}
}
