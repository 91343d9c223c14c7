// Package notices fans user-facing sync messages out to dashboard clients.
package notices

import (
	"sync"
	"time"
)

// Level is the severity shown next to a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Messages shown to the front desk.
const (
	MsgOffline            = "You're offline"
	MsgReconnected        = "Connection restored, syncing…"
	MsgSyncCompleted      = "Sync completed"
	MsgSyncPartial        = "Some changes could not be synchronized"
	MsgStorageUnavailable = "Local storage is unavailable; changes will be lost if the agent restarts"
)

const (
	defaultHistory = 50
	subscriberBuf  = 16
)

// Notice is one message.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Hub keeps a bounded history and broadcasts new notices. Slow subscribers
// miss messages rather than block publishers.
type Hub struct {
	mu      sync.Mutex
	history []Notice
	limit   int
	subs    map[int]chan Notice
	nextID  int
	now     func() time.Time
}

// NewHub returns a hub keeping the last 50 notices.
func NewHub() *Hub {
	return &Hub{limit: defaultHistory, subs: make(map[int]chan Notice), now: time.Now}
}

// Publish records and broadcasts a notice. A nil hub drops it.
func (h *Hub) Publish(level Level, message string) Notice {
	if h == nil {
		return Notice{}
	}
	n := Notice{Level: level, Message: message, At: h.now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, n)
	if over := len(h.history) - h.limit; over > 0 {
		h.history = append([]Notice(nil), h.history[over:]...)
	}
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return n
}

// Subscribe returns a channel of new notices and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, subscriberBuf)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the newest notices, oldest first. n <= 0 returns all.
func (h *Hub) Recent(n int) []Notice {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && len(h.history) > n {
		start = len(h.history) - n
	}
	return append([]Notice(nil), h.history[start:]...)
}
