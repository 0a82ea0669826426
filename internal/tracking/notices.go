package tracking

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a short operator-facing message.
type Notice struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

type noticeRing struct {
	mu    sync.Mutex
	max   int
	items []Notice
}

func newNoticeRing(max int) *noticeRing {
	if max <= 0 {
		max = 100
	}
	return &noticeRing{max: max}
}

func (r *noticeRing) add(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if len(r.items) > r.max {
		r.items = append([]Notice(nil), r.items[len(r.items)-r.max:]...)
	}
}

// tail returns up to n most recent notices, oldest first. n <= 0 returns all.
func (r *noticeRing) tail(n int) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if n > 0 && n < len(r.items) {
		start = len(r.items) - n
	}
	out := make([]Notice, len(r.items)-start)
	copy(out, r.items[start:])
	return out
}
