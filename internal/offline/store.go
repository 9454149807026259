package offline

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"
)

// QueuedRequest is a mutating call deferred until connectivity returns.
type QueuedRequest struct {
	ID         string
	Endpoint   string
	Method     string
	Header     http.Header // Optional; replayed as-is
	Payload    []byte
	EnqueuedAt time.Time
	RetryCount int
	LastError  string
}

// Store persists queued requests in insertion order. Implementations must be
// safe for concurrent use. Update and Delete of an unknown ID are no-ops.
type Store interface {
	Append(ctx context.Context, item QueuedRequest) error
	List(ctx context.Context) ([]QueuedRequest, error) // FIFO order
	Update(ctx context.Context, item QueuedRequest) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore is a Store backed by a slice. Its contents are lost when the
// process exits.
type MemoryStore struct {
	mu    sync.Mutex
	items []QueuedRequest
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, item QueuedRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, cloneItem(item))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedRequest, len(s.items))
	for i, item := range s.items {
		out[i] = cloneItem(item)
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, item QueuedRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(item.ID); i >= 0 {
		s.items[i].RetryCount = item.RetryCount
		s.items[i].LastError = item.LastError
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		s.items = slices.Delete(s.items, i, i+1)
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	s.items = nil
	return n, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *MemoryStore) index(id string) int {
	return slices.IndexFunc(s.items, func(item QueuedRequest) bool { return item.ID == id })
}

func cloneItem(item QueuedRequest) QueuedRequest {
	if item.Header != nil {
		item.Header = item.Header.Clone()
	}
	if item.Payload != nil {
		item.Payload = slices.Clone(item.Payload)
	}
	return item
}
