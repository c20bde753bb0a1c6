// Package notify keeps a bounded in-memory feed of operator notifications:
// completed operations, degraded experiments, engine errors. Oldest entries
// are dropped once the buffer is full.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one feed entry.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	SimID     string    `json:"simId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Feed is a bounded notification buffer. Safe for concurrent use.
type Feed struct {
	mu    sync.Mutex
	max   int
	items []Notification
}

// NewFeed creates a feed holding at most max notifications.
func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 100
	}
	return &Feed{max: max}
}

// Publish appends a notification, evicting the oldest when full.
func (f *Feed) Publish(level Level, simID, message string) Notification {
	n := Notification{
		ID:        "ntf_" + uuid.New().String()[:8],
		Level:     level,
		Message:   message,
		SimID:     simID,
		CreatedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	if len(f.items) > f.max {
		f.items = f.items[len(f.items)-f.max:]
	}
	return n
}

// List returns all buffered notifications, newest first.
func (f *Feed) List() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Notification, len(f.items))
	for i, n := range f.items {
		out[len(f.items)-1-i] = n
	}
	return out
}

// MarkRead flags one notification as read. Returns false when unknown.
func (f *Feed) MarkRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Read = true
			return true
		}
	}
	return false
}

// UnreadCount reports how many notifications are still unread.
func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for i := range f.items {
		if !f.items[i].Read {
			count++
		}
	}
	return count
}
