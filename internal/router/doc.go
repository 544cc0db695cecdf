// Package router implements the supervisor's public listener.
//
// Every accepted connection is read once to find the client's real
// address, either from a forwarded-for style header line or from the TCP
// peer. The address is hashed onto a worker ordinal with WorkerIndex, so a
// client keeps reaching the same worker as long as the pool is unchanged.
// The connection, the bytes already read and the resolved address are then
// sent to that worker as an ipc.ConnectionHandoff.
//
// A connection whose ordinal has no live worker is closed and logged. It
// is neither retried nor queued.
package router
