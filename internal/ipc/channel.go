package ipc

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send once either end of a channel is closed.
var ErrClosed = errors.New("ipc: channel closed")

// Channel is one end of a bidirectional, FIFO message channel between the
// supervisor and a worker.
//
// Send is safe for concurrent use. Receive must be called from a single
// goroutine; it returns io.EOF once the peer is gone and every message
// already in flight has been delivered.
type Channel interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

// pipeBuffer bounds the number of in-flight messages per direction.
const pipeBuffer = 128

// Pipe returns two connected in-memory channel ends. Messages sent on one
// end are received on the other in send order. Connections in a handoff
// are passed by reference.
//
// Pipe backs in-process workers and tests; processes use UnixChannel.
func Pipe() (Channel, Channel) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeEnd struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

func (p *pipeEnd) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Receive() (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		// Drain what the peer sent before it closed.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
