// Package supervisor spawns and supervises the worker processes of a flock
// cluster.
//
// A Pool brings workers up one at a time, waiting for each to send an
// ipc.Init before spawning the next, and becomes ready once the configured
// number of workers is live. After that it replaces every worker that
// exits. A worker that dies during warm-up aborts startup instead.
//
// Workers are kept in a Registry in spawn order; a worker's position in
// that order is its ordinal, which the router maps client addresses onto.
//
// Cache messages a worker sends are handed to the pool's MessageHandler
// (normally a *cache.Store) together with a reply function bound to that
// worker.
//
// ExecSpawner starts real workers by re-executing the current binary with
// FLOCK_WORKER_ID set and one end of a unix socket pair on descriptor 3.
package supervisor
