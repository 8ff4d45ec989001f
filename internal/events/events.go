// Package events provides the typed publish/subscribe channels through which
// the network layer reports state changes to its host.
package events

import (
	"sync"
	"time"
)

// Topic is a typed fan-out channel. Delivery is synchronous and in subscription
// order; handlers must not block.
type Topic[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, subscription[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.handlers {
				if s.id == id {
					t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := make([]subscription[T], len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, s := range handlers {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// OfflineChange reports a connectivity transition.
type OfflineChange struct {
	Offline bool
	At      time.Time
}

// GlobalError is a user-facing failure that no caller handled locally.
type GlobalError struct {
	Message  string
	Endpoint string
	Err      error
}

// NoticeLevel classifies a notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short host-visible message, e.g. "request queued".
type Notice struct {
	Level   NoticeLevel
	Message string
}

// Bus groups the channels published by the network layer.
type Bus struct {
	Offline        Topic[OfflineChange]
	SessionExpired Topic[struct{}]
	QueueDepth     Topic[int]
	GlobalError    Topic[GlobalError]
	Notices        Topic[Notice]
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}
