package handoff

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using a mutex-guarded map with TTL-based
// expiration. Records survive only for the process lifetime; deployments
// running more than one relay instance need the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source so TTL behavior is
// deterministic in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory handoff store.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores a copy of rec, stamping CreatedAt with the current time.
// An existing live record for the same session ID is never overwritten.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.SessionID]; ok && !s.expired(existing) {
		return ErrDuplicateSession
	}

	stored := *rec
	stored.CreatedAt = s.now()
	s.records[rec.SessionID] = &stored
	return nil
}

// Consume removes and returns the record for sessionID. The check and
// removal happen under a single lock acquisition, so concurrent callers
// racing on a fulfilled record observe exactly one success. An expired
// record is dropped and reported absent even if the sweep has not run.
func (s *MemoryStore) Consume(_ context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, nil //nolint:nilnil // Store contract: nil, nil for absent
	}
	delete(s.records, sessionID)
	if s.expired(rec) {
		return nil, nil //nolint:nilnil // Store contract: nil, nil for expired
	}
	return rec, nil
}

// Delete removes a record. Removing an absent record is not an error.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, sessionID)
	return nil
}

// Cleanup removes expired records.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, id)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired records. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// expired reports whether rec has outlived the store TTL. Callers hold s.mu.
func (s *MemoryStore) expired(rec *Record) bool {
	return !s.now().Before(rec.CreatedAt.Add(s.ttl))
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
