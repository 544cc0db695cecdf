package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/flock/internal/ipc"
)

var (
	// ErrTimeout is returned by Client.Get when no reply arrived in time.
	ErrTimeout = errors.New("cache: request timed out")

	// ErrClosed is returned by Client.Get once the client is closed,
	// including for requests that were still waiting.
	ErrClosed = errors.New("cache: client closed")
)

// DefaultTimeout bounds a Get when the client is built with a zero timeout.
const DefaultTimeout = 5 * time.Second

// Sender is the worker's end of the IPC channel.
type Sender interface {
	Send(msg ipc.Message) error
}

// Client is the worker-side view of the supervisor's Store. Get is a
// request/response round trip correlated by id; Set and Delete are
// fire-and-forget.
//
// Replies are fed in by the worker's dispatch loop through Deliver.
// Client is safe for concurrent use.
type Client struct {
	sender  Sender
	pending map[uint64]chan ipc.CacheReply
	group   singleflight.Group
	timeout time.Duration
	nextID  atomic.Uint64
	mu      sync.Mutex
	closed  bool
}

// NewClient creates a client that sends requests through sender.
// A timeout of zero selects DefaultTimeout; a negative timeout disables it.
func NewClient(sender Sender, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		sender:  sender,
		timeout: timeout,
		pending: make(map[uint64]chan ipc.CacheReply),
	}
}

// Get fetches key from the supervisor. found is false when the key is
// absent or expired. Concurrent Gets for the same key share one round trip,
// but a Get never joins a round trip sent before this client's last Set or
// Delete of that key.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.roundTrip(key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(ipc.CacheReply)
		if !r.Found {
			return nil, false, nil
		}
		out := make([]byte, len(r.Value))
		copy(out, r.Value)
		return out, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Client) roundTrip(key string) (ipc.CacheReply, error) {
	id := c.nextID.Add(1)
	wait := make(chan ipc.CacheReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.CacheReply{}, ErrClosed
	}
	c.pending[id] = wait
	c.mu.Unlock()

	if err := c.sender.Send(ipc.CacheGet{Key: key, CorrelationID: id}); err != nil {
		c.forget(id)
		return ipc.CacheReply{}, fmt.Errorf("cache: send get %q: %w", key, err)
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r, ok := <-wait:
		if !ok {
			return ipc.CacheReply{}, ErrClosed
		}
		return r, nil
	case <-expired:
		c.forget(id)
		return ipc.CacheReply{}, fmt.Errorf("%w: get %q after %s", ErrTimeout, key, c.timeout)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Set stores value under key with an optional ttl (zero means no expiry).
// It returns once the request is sent.
func (c *Client) Set(key string, value []byte, ttl time.Duration) error {
	c.group.Forget(key)
	if err := c.sender.Send(ipc.CacheSet{Key: key, Value: value, TTL: ttl}); err != nil {
		return fmt.Errorf("cache: send set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. It returns once the request is sent.
func (c *Client) Delete(key string) error {
	c.group.Forget(key)
	if err := c.sender.Send(ipc.CacheDelete{Key: key}); err != nil {
		return fmt.Errorf("cache: send delete %q: %w", key, err)
	}
	return nil
}

// Deliver resolves the pending Get whose correlation id matches r. It
// reports false for ids nobody waits for, such as replies arriving after
// a timeout.
func (c *Client) Deliver(r ipc.CacheReply) bool {
	c.mu.Lock()
	wait, ok := c.pending[r.CorrelationID]
	delete(c.pending, r.CorrelationID)
	c.mu.Unlock()

	if !ok {
		return false
	}
	wait <- r
	return true
}

// Pending returns the number of Gets waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every waiting Get with ErrClosed and rejects new ones.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, wait := range c.pending {
		close(wait)
		delete(c.pending, id)
	}
}
