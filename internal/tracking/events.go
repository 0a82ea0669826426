package tracking

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSession EventType = "session"
	EventWrite   EventType = "write"
	EventNotice  EventType = "notice"
)

// Event is one item of the controller's fanout stream.
type Event struct {
	Type    EventType    `json:"type"`
	Time    time.Time    `json:"time"`
	Session *Session     `json:"session,omitempty"`
	Write   *WriteResult `json:"write,omitempty"`
	Notice  *Notice      `json:"notice,omitempty"`
}

// broadcaster fans events out to subscribers without blocking the
// publisher. The latest session event is replayed to new subscribers so
// they start from the current state.
type broadcaster struct {
	mu          sync.Mutex
	subs        map[int]chan Event
	nextID      int
	lastSession *Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.lastSession != nil {
		ch <- *b.lastSession
	}
	b.mu.Unlock()
	return id, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// publish records the latest session and sends under one lock, so a
// subscriber never sees session events out of order and unsubscribe cannot
// close a channel mid-send.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == EventSession {
		last := ev
		b.lastSession = &last
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
