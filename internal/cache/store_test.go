package cache

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flock/internal/ipc"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type countingMetrics struct {
	mu                    sync.Mutex
	hits, misses, expires int
	lastKeys, lastBytes   int
}

func (m *countingMetrics) Hit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *countingMetrics) Miss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func (m *countingMetrics) Expire() {
	m.mu.Lock()
	m.expires++
	m.mu.Unlock()
}

func (m *countingMetrics) Size(keys, bytes int) {
	m.mu.Lock()
	m.lastKeys, m.lastBytes = keys, bytes
	m.mu.Unlock()
}

// TestStore tests the basic get/set/delete semantics of the store.
func TestStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		s := NewStore()

		assert.Empty(t, s.Keys())
		assert.Equal(t, 0, s.Len())

		_, ok := s.Get("nonexistent")
		assert.False(t, ok)
	})

	t.Run("set and get values", func(t *testing.T) {
		s := NewStore()

		s.Set("k", []byte("v"), 0)
		v, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), v)
	})

	t.Run("overwrite existing key", func(t *testing.T) {
		s := NewStore()

		s.Set("k", []byte("v1"), 0)
		s.Set("k", []byte("value2"), 0)

		v, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("value2"), v)
		assert.Equal(t, 6, s.Stats().Bytes)
	})

	t.Run("delete values", func(t *testing.T) {
		s := NewStore()

		s.Set("k", []byte("v"), 0)
		s.Delete("k")
		_, ok := s.Get("k")
		assert.False(t, ok)

		// Deleting a missing key is a no-op.
		s.Delete("k")
		assert.Equal(t, 0, s.Len())
	})

	t.Run("stored values are copies", func(t *testing.T) {
		s := NewStore()

		in := []byte("abc")
		s.Set("k", in, 0)
		in[0] = 'z'

		out, _ := s.Get("k")
		assert.Equal(t, []byte("abc"), out)
		out[0] = 'y'

		again, _ := s.Get("k")
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("list keys", func(t *testing.T) {
		s := NewStore()
		for i := 0; i < 3; i++ {
			s.Set(fmt.Sprintf("key%d", i), []byte("v"), 0)
		}

		keys := s.Keys()
		sort.Strings(keys)
		assert.Equal(t, []string{"key0", "key1", "key2"}, keys)
	})
}

// TestStoreExpiry verifies entries are visible only while expiresAt > now
// and are evicted lazily when read after expiry.
func TestStoreExpiry(t *testing.T) {
	clk := newFakeClock()
	s := NewStore(WithClock(clk))

	s.Set("k", []byte("v"), 10*time.Millisecond)
	s.Set("forever", []byte("v"), 0)

	clk.add(9 * time.Millisecond)
	_, ok := s.Get("k")
	assert.True(t, ok, "entry must be visible before expiry")

	clk.add(time.Millisecond)
	_, ok = s.Get("k")
	assert.False(t, ok, "entry must be absent at expiry")
	assert.Equal(t, 1, s.Len(), "expired entry must be removed from the store")

	clk.add(time.Hour)
	_, ok = s.Get("forever")
	assert.True(t, ok, "entry without ttl never expires")

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Expirations)
}

// TestStoreExpiredEntryStaysUntilRead verifies there is no background sweep.
func TestStoreExpiredEntryStaysUntilRead(t *testing.T) {
	clk := newFakeClock()
	s := NewStore(WithClock(clk))

	s.Set("k", []byte("v"), time.Millisecond)
	clk.add(time.Second)

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

// TestStoreSetResetsExpiry verifies set overwrites the expiry along with
// the value.
func TestStoreSetResetsExpiry(t *testing.T) {
	clk := newFakeClock()
	s := NewStore(WithClock(clk))

	s.Set("k", []byte("v"), 10*time.Millisecond)
	s.Set("k", []byte("v2"), 0)
	clk.add(time.Second)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

// TestStoreStatsAndMetrics verifies counters and metrics hooks agree.
func TestStoreStatsAndMetrics(t *testing.T) {
	clk := newFakeClock()
	m := &countingMetrics{}
	s := NewStore(WithClock(clk), WithMetrics(m))

	s.Set("a", []byte("12345"), 0)
	s.Set("b", []byte("1"), time.Millisecond)
	s.Get("a")
	s.Get("missing")
	clk.add(time.Millisecond)
	s.Get("b")

	st := s.Stats()
	assert.Equal(t, Stats{Keys: 1, Bytes: 5, Hits: 1, Misses: 2, Expirations: 1}, st)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 2, m.misses)
	assert.Equal(t, 1, m.expires)
	assert.Equal(t, 1, m.lastKeys)
	assert.Equal(t, 5, m.lastBytes)
}

// TestStoreConcurrency verifies concurrent access is safe.
func TestStoreConcurrency(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%10)
				s.Set(key, []byte(fmt.Sprintf("%d-%d", g, i)), 0)
				s.Get(key)
				if i%7 == 0 {
					s.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 10)
}

// TestHandle verifies the broker applies each cache message and replies to
// gets with the request's correlation id.
func TestHandle(t *testing.T) {
	s := NewStore()
	var replies []ipc.Message
	reply := func(m ipc.Message) error {
		replies = append(replies, m)
		return nil
	}

	require.NoError(t, s.Handle(ipc.CacheSet{Key: "k", Value: []byte("v")}, reply))
	require.NoError(t, s.Handle(ipc.CacheGet{Key: "k", CorrelationID: 11}, reply))
	require.NoError(t, s.Handle(ipc.CacheDelete{Key: "k"}, reply))
	require.NoError(t, s.Handle(ipc.CacheGet{Key: "k", CorrelationID: 12}, reply))

	require.Len(t, replies, 2)
	assert.Equal(t, ipc.CacheReply{CorrelationID: 11, Value: []byte("v"), Found: true}, replies[0])
	assert.Equal(t, ipc.CacheReply{CorrelationID: 12}, replies[1])

	assert.Error(t, s.Handle(ipc.Init{}, reply))
	assert.Error(t, s.Handle(ipc.CacheReply{}, reply))
}
