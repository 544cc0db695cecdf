// Package worker is the worker side of a flock cluster.
//
// A Worker reads its IPC channel in a single dispatch loop. Cache replies
// are delivered to its cache.Client; connection handoffs are pushed into a
// Listener, from which an http.Server accepts them as if they had arrived
// on a socket. The bytes the router consumed to find the client address
// are replayed ahead of the connection, and the resolved address is
// available to handlers through ClientIP.
//
// Once its optional bootstrap has succeeded the worker sends ipc.Init;
// the supervisor counts these to decide when the pool is ready.
package worker
