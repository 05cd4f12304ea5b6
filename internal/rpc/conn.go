package rpc

import (
	"context"
	"sync"
)

// Conn moves envelopes between two peers. Send and Recv may be called from
// different goroutines; callers serialize their own Sends.
type Conn interface {
	Send(ctx context.Context, env *Envelope) error
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}

// pipeBuffer bounds envelopes in flight per direction.
const pipeBuffer = 64

type pipeConn struct {
	in   <-chan *Envelope
	out  chan<- *Envelope
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process ends. Envelopes and their transfer
// buffers are handed over by reference; the sender must not touch them after
// Send. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan *Envelope, pipeBuffer)
	ba := make(chan *Envelope, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) Send(ctx context.Context, env *Envelope) error {
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
