package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a queue id does not exist.
var ErrNotFound = errors.New("queued message not found")

// Store persists queued messages. FetchReady leases the returned messages
// so a queue id is handed to at most one worker at a time; workers release
// the lease when they finish an attempt.
type Store interface {
	Enqueue(ctx context.Context, msg *QueuedMessage) error
	Get(ctx context.Context, queueID string) (*QueuedMessage, error)
	Update(ctx context.Context, msg *QueuedMessage) error
	Delete(ctx context.Context, queueID string) error

	// FetchReady returns up to limit messages with status active or
	// deferred whose next_retry_at has passed, ordered by created_at,
	// skipping leased ids and leasing the returned ones until
	// now+leaseFor.
	FetchReady(ctx context.Context, limit int, now time.Time, leaseFor time.Duration) ([]*QueuedMessage, error)

	// Release drops the lease on a queue id.
	Release(ctx context.Context, queueID string) error

	ListByStatus(ctx context.Context, status Status, limit int) ([]*QueuedMessage, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// MemoryStore is an in-memory Store guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*QueuedMessage
	leases   map[string]time.Time
}

// NewMemoryStore creates an empty in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*QueuedMessage),
		leases:   make(map[string]time.Time),
	}
}

// Enqueue stores a new message.
func (s *MemoryStore) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.QueueID] = msg.Clone()
	return nil
}

// Get returns the message by queue id.
func (s *MemoryStore) Get(ctx context.Context, queueID string) (*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[queueID]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// Update replaces the stored message.
func (s *MemoryStore) Update(ctx context.Context, msg *QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.QueueID]; !ok {
		return ErrNotFound
	}
	s.messages[msg.QueueID] = msg.Clone()
	return nil
}

// Delete removes the message.
func (s *MemoryStore) Delete(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[queueID]; !ok {
		return ErrNotFound
	}
	delete(s.messages, queueID)
	delete(s.leases, queueID)
	return nil
}

// FetchReady returns ready messages, oldest first, leasing each one.
func (s *MemoryStore) FetchReady(ctx context.Context, limit int, now time.Time, leaseFor time.Duration) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*QueuedMessage
	for id, msg := range s.messages {
		if msg.Status != StatusActive && msg.Status != StatusDeferred {
			continue
		}
		if !msg.NextRetryAt.IsZero() && msg.NextRetryAt.After(now) {
			continue
		}
		if until, leased := s.leases[id]; leased && until.After(now) {
			continue
		}
		ready = append(ready, msg)
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*QueuedMessage, 0, len(ready))
	for _, msg := range ready {
		s.leases[msg.QueueID] = now.Add(leaseFor)
		out = append(out, msg.Clone())
	}
	return out, nil
}

// Release drops the lease on a queue id.
func (s *MemoryStore) Release(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, queueID)
	return nil
}

// ListByStatus returns up to limit messages with the given status, newest
// first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*QueuedMessage
	for _, msg := range s.messages {
		if msg.Status == status {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus returns message counts per status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}
	return counts, nil
}
