package router

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flock/internal/ipc"
)

type pipeTarget struct {
	ipc.Channel
	id int
}

func (p *pipeTarget) ID() int { return p.id }

type failingTarget struct{ err error }

func (failingTarget) ID() int                  { return 1 }
func (f failingTarget) Send(ipc.Message) error { return f.err }

type countingMetrics struct {
	routed   atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

func (m *countingMetrics) Routed(int)     { m.routed.Add(1) }
func (m *countingMetrics) RoutingMiss()   { m.misses.Add(1) }
func (m *countingMetrics) HandoffFailed() { m.failures.Add(1) }

// startRouter runs a router on an ephemeral loopback port until the test
// ends.
func startRouter(t *testing.T, workers int, lookup LookupFunc, m Metrics) *Router {
	t.Helper()
	r := New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		Workers:     workers,
		Lookup:      lookup,
		Metrics:     m,
		ReadTimeout: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return r
}

func dial(t *testing.T, r *Router) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receiveHandoff(t *testing.T, ch ipc.Channel) ipc.ConnectionHandoff {
	t.Helper()
	got := make(chan ipc.Message, 1)
	go func() {
		msg, err := ch.Receive()
		if err == nil {
			got <- msg
		}
	}()
	select {
	case msg := <-got:
		h, ok := msg.(ipc.ConnectionHandoff)
		require.True(t, ok, "unexpected message %T", msg)
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no handoff received")
		return ipc.ConnectionHandoff{}
	}
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF) || isReset(err), "expected closed connection, got %v", err)
}

func isReset(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && !op.Timeout()
}

// TestRouterHandsOffToHashedWorker verifies the connection, its initial
// bytes and the forwarded address reach the worker at the hashed ordinal.
func TestRouterHandsOffToHashedWorker(t *testing.T) {
	sup, wrk := ipc.Pipe()
	defer sup.Close()
	metrics := &countingMetrics{}

	var asked atomic.Int64
	asked.Store(-1)
	lookup := func(i int) (Target, bool) {
		asked.Store(int64(i))
		return &pipeTarget{Channel: sup, id: 7}, true
	}
	r := startRouter(t, 3, lookup, metrics)

	request := "GET /status HTTP/1.1\r\nHost: example\r\nX-Forwarded-For: 10.0.0.5, 172.16.0.1\r\n\r\n"
	client := dial(t, r)
	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	h := receiveHandoff(t, wrk)
	defer h.Conn.Close()
	assert.Equal(t, "10.0.0.5", h.RealIP)
	assert.Equal(t, request, string(h.Initial))
	assert.Equal(t, int64(WorkerIndex("10.0.0.5", 3)), asked.Load())
	assert.Equal(t, int64(1), metrics.routed.Load())

	// The handed-off connection is still live.
	_, err = h.Conn.Write([]byte("pong"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

// TestRouterFallsBackToPeerAddress verifies a request without the header is
// routed on the TCP peer address.
func TestRouterFallsBackToPeerAddress(t *testing.T) {
	sup, wrk := ipc.Pipe()
	defer sup.Close()

	r := startRouter(t, 2, func(int) (Target, bool) {
		return &pipeTarget{Channel: sup, id: 1}, true
	}, nil)

	client := dial(t, r)
	_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	h := receiveHandoff(t, wrk)
	defer h.Conn.Close()
	assert.Equal(t, "127.0.0.1", h.RealIP)
}

// TestRouterMissClosesConnection verifies a connection whose ordinal has
// no worker is dropped.
func TestRouterMissClosesConnection(t *testing.T) {
	metrics := &countingMetrics{}
	r := startRouter(t, 3, func(int) (Target, bool) { return nil, false }, metrics)

	client := dial(t, r)
	_, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	assertClosed(t, client)
	require.Eventually(t, func() bool { return metrics.misses.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, metrics.routed.Load())
}

// TestRouterHandoffFailureClosesConnection verifies a failed send drops
// the connection.
func TestRouterHandoffFailureClosesConnection(t *testing.T) {
	metrics := &countingMetrics{}
	r := startRouter(t, 1, func(int) (Target, bool) {
		return failingTarget{err: ipc.ErrUnsupported}, true
	}, metrics)

	client := dial(t, r)
	_, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	assertClosed(t, client)
	require.Eventually(t, func() bool { return metrics.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// TestRouterRouteErrors checks the errors route reports.
func TestRouterRouteErrors(t *testing.T) {
	newConn := func(t *testing.T) net.Conn {
		server, client := net.Pipe()
		go func() {
			_, _ = client.Write([]byte("GET / HTTP/1.1\r\nX-Forwarded-For: 10.0.0.5\r\n\r\n"))
		}()
		t.Cleanup(func() { _ = client.Close() })
		return server
	}

	t.Run("no worker", func(t *testing.T) {
		r := New(Config{Workers: 3, Lookup: func(int) (Target, bool) { return nil, false }})
		err := r.route(newConn(t))
		assert.ErrorIs(t, err, ErrNoWorker)
	})

	t.Run("no lookup", func(t *testing.T) {
		r := New(Config{Workers: 3})
		assert.ErrorIs(t, r.route(newConn(t)), ErrNoWorker)
	})

	t.Run("unsupported transport", func(t *testing.T) {
		r := New(Config{Workers: 3, Lookup: func(int) (Target, bool) {
			return failingTarget{err: ipc.ErrUnsupported}, true
		}})
		assert.ErrorIs(t, r.route(newConn(t)), ErrNoTransport)
	})

	t.Run("send error", func(t *testing.T) {
		boom := errors.New("broken pipe")
		r := New(Config{Workers: 3, Lookup: func(int) (Target, bool) {
			return failingTarget{err: boom}, true
		}})
		assert.ErrorIs(t, r.route(newConn(t)), boom)
	})
}

// TestRouterListenFailure verifies a bind conflict is reported by Listen.
func TestRouterListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	r := New(Config{Host: "127.0.0.1", Port: port})
	err = r.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
	assert.Nil(t, r.Addr())
}

// TestRouterServeBeforeListen verifies Serve refuses to run unbound.
func TestRouterServeBeforeListen(t *testing.T) {
	r := New(Config{})
	assert.Error(t, r.Serve(context.Background()))
}
