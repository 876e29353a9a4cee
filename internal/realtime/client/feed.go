package client

import (
	"sync"

	"github.com/Martian-dev/assist-mailsync/internal/realtime"
)

const DefaultFeedCapacity = 100

type FeedItem struct {
	Event realtime.Event
	Read  bool
}

// Feed keeps the most recent notifications, newest first, dropping the oldest
// once capacity is reached
type Feed struct {
	mu    sync.Mutex
	items []FeedItem
	head  int // index of the newest item
	size  int
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{items: make([]FeedItem, capacity), head: -1}
}

func (f *Feed) Add(e realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = (f.head + 1) % len(f.items)
	f.items[f.head] = FeedItem{Event: e}
	if f.size < len(f.items) {
		f.size++
	}
}

// Items returns a copy, newest first
func (f *Feed) Items() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedItem, 0, f.size)
	for i := 0; i < f.size; i++ {
		out = append(out, f.items[f.index(i)])
	}
	return out
}

// index must be called with mu held
func (f *Feed) index(i int) int {
	n := len(f.items)
	return ((f.head-i)%n + n) % n
}

func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := 0; i < f.size; i++ {
		if !f.items[f.index(i)].Read {
			n++
		}
	}
	return n
}

func (f *Feed) MarkAllRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.size; i++ {
		f.items[f.index(i)].Read = true
	}
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Record adds every event except the connection greeting
func (f *Feed) Record(e realtime.Event) {
	if e.Type == realtime.EventConnected {
		return
	}
	f.Add(e)
}
