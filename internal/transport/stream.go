// ABOUTME: Stream abstracts a bidirectional frame stream over gRPC, WebSocket or memory
// ABOUTME: Pipe returns a connected in-memory pair used by tests and the agent host double

package transport

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by operations on a stream closed locally.
var ErrClosed = errors.New("stream closed")

// Stream carries frames in both directions. Send and Recv may be called
// concurrently with each other, but neither concurrently with itself.
type Stream interface {
	Send(f *Frame) error
	// Recv returns io.EOF once the peer has closed its end.
	Recv() (*Frame, error)
	// Close closes the local end and unblocks a pending Recv.
	Close() error
}

// pipeEnd is one side of an in-memory Pipe.
type pipeEnd struct {
	in  <-chan *Frame
	out chan<- *Frame

	done     chan struct{}
	peerDone <-chan struct{}
	once     sync.Once
}

// Pipe returns two connected streams. Frames sent on one are received on the
// other in order. Closing either end makes the peer's Recv return io.EOF
// after any buffered frames.
func Pipe() (Stream, Stream) {
	ab := make(chan *Frame, 64)
	ba := make(chan *Frame, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeEnd{in: ba, out: ab, done: aDone, peerDone: bDone}
	b := &pipeEnd{in: ab, out: ba, done: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeEnd) Send(f *Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Recv() (*Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.peerDone:
		// Deliver anything the peer sent before closing.
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
