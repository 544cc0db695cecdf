package cache

import (
	"fmt"

	"github.com/dreamware/flock/internal/ipc"
)

// Handle applies a cache message received from a worker. For a CacheGet the
// answer is passed to reply, which sends it back to the worker the request
// came from, tagged with the request's correlation id. CacheSet and
// CacheDelete produce no reply.
//
// Handle satisfies supervisor.MessageHandler.
func (s *Store) Handle(msg ipc.Message, reply func(ipc.Message) error) error {
	switch m := msg.(type) {
	case ipc.CacheGet:
		value, found := s.Get(m.Key)
		if err := reply(ipc.CacheReply{CorrelationID: m.CorrelationID, Value: value, Found: found}); err != nil {
			return fmt.Errorf("cache: reply to get %q: %w", m.Key, err)
		}
		return nil
	case ipc.CacheSet:
		s.Set(m.Key, m.Value, m.TTL)
		return nil
	case ipc.CacheDelete:
		s.Delete(m.Key)
		return nil
	default:
		return fmt.Errorf("cache: unexpected message %q", msg.Kind())
	}
}
