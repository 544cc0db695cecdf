package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock provides the current time; useful for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Metrics receives store-level observability events.
// NoopMetrics is used when none is configured.
type Metrics interface {
	Hit()
	Miss()
	Expire()
	Size(keys, bytes int)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit()          {}
func (NoopMetrics) Miss()         {}
func (NoopMetrics) Expire()       {}
func (NoopMetrics) Size(int, int) {}

var _ Metrics = NoopMetrics{}

// entry is a stored value. hasExpiry=false means it never expires.
type entry struct {
	expiresAt time.Time
	value     []byte
	hasExpiry bool
}

// Stats contains statistics about the store.
type Stats struct {
	Keys        int    `json:"keys"`        // Number of resident keys, expired ones included until read
	Bytes       int    `json:"bytes"`       // Total size of all resident values
	Hits        uint64 `json:"hits"`        // Gets that found a live entry
	Misses      uint64 `json:"misses"`      // Gets that found nothing or an expired entry
	Expirations uint64 `json:"expirations"` // Entries evicted lazily on read
}

// Store is the authoritative key/value map shared by all workers. It lives
// in the supervisor only; workers reach it through Handle.
//
// Expiry is checked when a key is read. There is no background sweep, so an
// expired key that is never read again stays resident.
type Store struct {
	clock   Clock
	metrics Metrics
	entries map[string]entry

	hits        atomic.Uint64
	misses      atomic.Uint64
	expirations atomic.Uint64

	mu    sync.Mutex
	bytes int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(c Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		clock:   systemClock{},
		metrics: NoopMetrics{},
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the value stored under key. An entry is visible
// only while it has no expiry or its expiry lies strictly in the future;
// an expired entry is removed and reported as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses.Add(1)
		s.metrics.Miss()
		return nil, false
	}
	if e.hasExpiry && !e.expiresAt.After(s.clock.Now()) {
		s.removeLocked(key, e)
		s.expirations.Add(1)
		s.misses.Add(1)
		s.metrics.Expire()
		s.metrics.Miss()
		return nil, false
	}

	s.hits.Add(1)
	s.metrics.Hit()

	// Return a copy to prevent external modification
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Set unconditionally overwrites key. A ttl of zero or less stores the
// value without expiry.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.hasExpiry = true
		e.expiresAt = s.clock.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.bytes -= len(old.value)
	}
	s.entries[key] = e
	s.bytes += len(stored)
	s.metrics.Size(len(s.entries), s.bytes)
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(key, e)
	}
}

func (s *Store) removeLocked(key string, e entry) {
	delete(s.entries, key)
	s.bytes -= len(e.value)
	s.metrics.Size(len(s.entries), s.bytes)
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns all resident keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	keys, bytes := len(s.entries), s.bytes
	s.mu.Unlock()

	return Stats{
		Keys:        keys,
		Bytes:       bytes,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Expirations: s.expirations.Load(),
	}
}
