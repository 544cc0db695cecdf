package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrMalformed wraps every decoding failure. The frame has been
	// consumed, so the channel can keep receiving after it.
	ErrMalformed = errors.New("ipc: malformed message")

	// ErrUnknownKind is returned when a frame names a message kind this
	// package does not know how to decode.
	ErrUnknownKind = errors.New("ipc: unknown message kind")
)

// Kind identifies a message variant on the wire.
type Kind string

// Message kinds exchanged between the supervisor and its workers.
const (
	KindInit        Kind = "init"         // worker -> supervisor: bootstrap finished
	KindCacheGet    Kind = "cache_get"    // worker -> supervisor: read a key, expects a reply
	KindCacheSet    Kind = "cache_set"    // worker -> supervisor: write a key
	KindCacheDelete Kind = "cache_delete" // worker -> supervisor: remove a key
	KindCacheReply  Kind = "cache_reply"  // supervisor -> worker: answer to cache_get
	KindConnection  Kind = "connection"   // supervisor -> worker: connection handoff
)

// Message is one of the tagged variants below. Receivers match on the
// concrete type with a type switch.
type Message interface {
	Kind() Kind
}

// Init announces that a worker has finished its local bootstrap.
type Init struct{}

// CacheGet asks the supervisor for the value stored under Key. The reply
// carries the same CorrelationID.
type CacheGet struct {
	Key           string `json:"key"`
	CorrelationID uint64 `json:"correlation_id"`
}

// CacheSet overwrites Key. A TTL of zero or less means the entry never expires.
type CacheSet struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// CacheDelete removes Key if present.
type CacheDelete struct {
	Key string `json:"key"`
}

// CacheReply answers a CacheGet. Found is false when the key is absent
// or expired.
type CacheReply struct {
	Value         []byte `json:"value,omitempty"`
	CorrelationID uint64 `json:"correlation_id"`
	Found         bool   `json:"found"`
}

// ConnectionHandoff transfers an accepted client connection to a worker
// together with the bytes the router already consumed from it.
//
// Conn is never serialized: transports move it out of band. Sending a
// handoff transfers ownership of Conn to the transport.
type ConnectionHandoff struct {
	Conn    net.Conn `json:"-"`
	RealIP  string   `json:"real_ip"`
	Initial []byte   `json:"initial"`
}

func (Init) Kind() Kind              { return KindInit }
func (CacheGet) Kind() Kind          { return KindCacheGet }
func (CacheSet) Kind() Kind          { return KindCacheSet }
func (CacheDelete) Kind() Kind       { return KindCacheDelete }
func (CacheReply) Kind() Kind        { return KindCacheReply }
func (ConnectionHandoff) Kind() Kind { return KindConnection }

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes msg into a JSON envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Data: data})
}

// Decode parses an envelope produced by Encode. A decoded
// ConnectionHandoff has a nil Conn; the transport fills it in.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case KindInit:
		msg = Init{}
	case KindCacheGet:
		var m CacheGet
		err = unmarshalData(env.Data, &m)
		msg = m
	case KindCacheSet:
		var m CacheSet
		err = unmarshalData(env.Data, &m)
		msg = m
	case KindCacheDelete:
		var m CacheDelete
		err = unmarshalData(env.Data, &m)
		msg = m
	case KindCacheReply:
		var m CacheReply
		err = unmarshalData(env.Data, &m)
		msg = m
	case KindConnection:
		var m ConnectionHandoff
		err = unmarshalData(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
