package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
)

// Transport is a duplex channel of envelopes between two kernel hosts.
// Send and Receive may be called concurrently with each other; Close unblocks
// both and makes every later call fail with core.ErrTransportClosed.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// pipeEnd is one side of an in-process pipe.
type pipeEnd struct {
	in   <-chan Envelope
	out  chan<- Envelope
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected in-process transports. Envelopes sent on one
// are received on the other in order. Closing either end closes both.
func NewPipe() (Transport, Transport) {
	ab := make(chan Envelope, 64)
	ba := make(chan Envelope, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	select {
	case <-p.done:
		return fmt.Errorf("%w: pipe", core.ErrTransportClosed)
	default:
	}

	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: pipe", core.ErrTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		return Envelope{}, fmt.Errorf("%w: pipe", core.ErrTransportClosed)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
