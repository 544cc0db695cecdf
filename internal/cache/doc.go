// Package cache implements the key/value cache shared by all flock workers.
//
// Workers cannot share memory, so the authoritative map lives in the
// supervisor (Store) and every worker talks to it through messages on its
// IPC channel (Client):
//
//	worker                          supervisor
//	Client.Get("k") ──CacheGet{id}──▶ Store.Handle ─▶ Store.Get
//	Client.Deliver  ◀─CacheReply{id}─┘
//	Client.Set      ──CacheSet──────▶ Store.Set      (no reply)
//	Client.Delete   ──CacheDelete───▶ Store.Delete   (no reply)
//
// Correlation ids come from a per-client atomic counter, so ids never
// collide while a request is pending. Every Get is bounded by a timeout;
// a reply that arrives after its request timed out is dropped.
//
// Expiry is lazy: Store.Get evicts an expired entry when it is read.
// Concurrent writes from different workers are last-writer-wins.
package cache
