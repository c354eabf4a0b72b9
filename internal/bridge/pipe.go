package bridge

import (
	"context"
	"sync"
)

// pipe is one end of an in-process transport pair
type pipe struct {
	in   chan Message
	peer *pipe

	done *pipeDone
}

type pipeDone struct {
	ch   chan struct{}
	once sync.Once
}

// NewPipe returns two connected in-process transports. Closing either end
// closes both.
func NewPipe(buffer int) (Transport, Transport) {
	if buffer < 0 {
		buffer = 0
	}
	done := &pipeDone{ch: make(chan struct{})}
	a := &pipe{in: make(chan Message, buffer), done: done}
	b := &pipe{in: make(chan Message, buffer), done: done}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers msg to the peer, blocking while the peer's buffer is full
func (p *pipe) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.done.ch:
		return ErrClosed
	default:
	}

	select {
	case p.peer.in <- msg:
		return nil
	case <-p.done.ch:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Messages() <-chan Message {
	return p.in
}

func (p *pipe) Done() <-chan struct{} {
	return p.done.ch
}

func (p *pipe) Close() error {
	p.done.once.Do(func() { close(p.done.ch) })
	return nil
}
