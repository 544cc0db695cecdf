// Package ipc carries messages between the flock supervisor and its
// workers.
//
// Messages are tagged variants (Init, CacheGet, CacheSet, CacheDelete,
// CacheReply, ConnectionHandoff) matched with a type switch. Two transports
// implement Channel:
//
//   - Pipe: an in-memory pair for in-process workers and tests.
//   - UnixChannel: a stream unix socket between processes. Accepted TCP
//     connections travel as SCM_RIGHTS descriptors next to the frame that
//     describes them, so a worker takes over the live socket together with
//     the bytes the supervisor already read from it.
//
// Both transports deliver messages in send order per channel. Nothing is
// ordered across channels.
package ipc
