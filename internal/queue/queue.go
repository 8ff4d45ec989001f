// Package queue implements the durable FIFO of mutating requests that could not
// be delivered, replayed once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/breatheroute/netlayer/internal/storage"
)

// DefaultStorageKey is the storage key holding the serialized queue.
const DefaultStorageKey = "offline_request_queue"

var (
	// ErrMissingRequestID is returned when an item has no idempotency key.
	ErrMissingRequestID = errors.New("queue: request id is required")

	// ErrUnsupportedMethod is returned for methods that are not queueable.
	ErrUnsupportedMethod = errors.New("queue: only POST, PUT, PATCH and DELETE can be queued")
)

// Item is a mutating request waiting to be replayed.
type Item struct {
	RequestID string          `json:"requestId"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Body      json.RawMessage `json:"body,omitempty"`
	// BodyText holds a body that is not JSON; Body is empty when it is set.
	BodyText   string            `json:"bodyText,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
}

// Sender delivers one item. A nil error removes the item from the queue.
type Sender func(ctx context.Context, item Item) error

// FlushResult summarizes one replay pass.
type FlushResult struct {
	Sent      int
	Remaining int
	// FailedID is the request id of the item that stopped the pass, if any.
	FailedID string
}

// Config holds queue configuration.
type Config struct {
	Store      storage.Store
	StorageKey string

	// Limiter paces replays. Nil replays as fast as the sender allows.
	Limiter *rate.Limiter

	// OnDepthChange receives the queue length after every mutation.
	OnDepthChange func(depth int)

	Logger zerolog.Logger
}

// Queue is a persistent, idempotent FIFO. Every mutation is written to the
// store before it returns.
type Queue struct {
	mu     sync.Mutex
	config Config
	flight singleflight.Group
}

// New creates a queue persisted in cfg.Store.
func New(cfg Config) *Queue {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	return &Queue{config: cfg}
}

// Queueable reports whether requests with method may be queued.
func Queueable(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Enqueue appends item unless an item with the same RequestID is already
// queued. It returns false without mutating anything for a duplicate.
func (q *Queue) Enqueue(ctx context.Context, item Item) (bool, error) {
	if item.RequestID == "" {
		return false, ErrMissingRequestID
	}
	if !Queueable(item.Method) {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedMethod, item.Method)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	items, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return false, err
	}
	for _, existing := range items {
		if existing.RequestID == item.RequestID {
			q.mu.Unlock()
			q.config.Logger.Debug().Str("request_id", item.RequestID).Msg("duplicate request not queued")
			return false, nil
		}
	}
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		q.mu.Unlock()
		return false, err
	}
	depth := len(items)
	q.mu.Unlock()

	q.config.Logger.Info().
		Str("request_id", item.RequestID).
		Str("method", item.Method).
		Str("endpoint", item.Endpoint).
		Int("depth", depth).
		Msg("request queued")
	q.publish(depth)
	return true, nil
}

// Flush replays queued items in insertion order. Each delivered item is
// removed and the queue persisted before the next is sent; the first failure
// stops the pass and leaves that item at the head with Attempts incremented.
//
// Concurrent calls share a single pass, run with the first caller's ctx and
// sender.
func (q *Queue) Flush(ctx context.Context, send Sender) (FlushResult, error) {
	v, err, _ := q.flight.Do("flush", func() (any, error) {
		return q.flush(ctx, send)
	})
	res, _ := v.(FlushResult)
	return res, err
}

func (q *Queue) flush(ctx context.Context, send Sender) (FlushResult, error) {
	var res FlushResult

	for {
		q.mu.Lock()
		items, err := q.load(ctx)
		q.mu.Unlock()
		if err != nil {
			return res, err
		}
		if len(items) == 0 {
			return res, nil
		}
		head := items[0]
		res.Remaining = len(items)

		if q.config.Limiter != nil {
			if err := q.config.Limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		if err := send(ctx, head); err != nil {
			attempts, depth, saveErr := q.markFailed(ctx, head.RequestID)
			if saveErr != nil {
				return res, saveErr
			}
			res.Remaining = depth
			res.FailedID = head.RequestID
			q.config.Logger.Warn().
				Err(err).
				Str("request_id", head.RequestID).
				Str("endpoint", head.Endpoint).
				Int("attempts", attempts).
				Msg("queued request replay failed")
			return res, fmt.Errorf("replay %s: %w", head.RequestID, err)
		}

		depth, err := q.remove(ctx, head.RequestID)
		if err != nil {
			return res, err
		}
		res.Sent++
		res.Remaining = depth
		q.config.Logger.Debug().Str("request_id", head.RequestID).Int("depth", depth).Msg("queued request replayed")
		q.publish(depth)
	}
}

func (q *Queue) remove(ctx context.Context, requestID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if item.RequestID == requestID {
			items = append(items[:i], items[i+1:]...)
			if err := q.save(ctx, items); err != nil {
				return 0, err
			}
			break
		}
	}
	return len(items), nil
}

func (q *Queue) markFailed(ctx context.Context, requestID string) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, 0, err
	}
	attempts := 0
	for i := range items {
		if items[i].RequestID == requestID {
			items[i].Attempts++
			attempts = items[i].Attempts
			if err := q.save(ctx, items); err != nil {
				return 0, 0, err
			}
			break
		}
	}
	return attempts, len(items), nil
}

// Peek returns a snapshot of the queued items in order.
func (q *Queue) Peek(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Peek(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear drops every queued item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	err := q.config.Store.Remove(ctx, q.config.StorageKey)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	q.config.Logger.Info().Msg("request queue cleared")
	q.publish(0)
	return nil
}

// load must be called with q.mu held.
func (q *Queue) load(ctx context.Context) ([]Item, error) {
	raw, err := q.config.Store.Get(ctx, q.config.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return items, nil
}

// save must be called with q.mu held.
func (q *Queue) save(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.config.Store.Set(ctx, q.config.StorageKey, raw); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) publish(depth int) {
	if q.config.OnDepthChange != nil {
		q.config.OnDepthChange(depth)
	}
}
