package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kernelmesh/connection"
	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

// Connection is a named transport of a KernelHost. It serves commands sent by
// the remote host and carries the commands forwarded by local proxy kernels.
type Connection struct {
	name       string
	transport  connection.Transport
	host       *KernelHost
	serializer *connection.Serializer
	logger     logging.Logger
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	pending map[string][]*pendingCommand

	done     chan struct{}
	doneOnce sync.Once
}

// pendingCommand buffers the events received for one forwarded command. The
// receive loop pushes; the forwarding goroutine takes.
type pendingCommand struct {
	mu     sync.Mutex
	events []core.Event
	ready  chan struct{}
}

func newConnection(name string, t connection.Transport, h *KernelHost) *Connection {
	return &Connection{
		name:       name,
		transport:  t,
		host:       h,
		serializer: h.serializer,
		logger:     h.logger,
		metrics:    h.metrics,
		pending:    make(map[string][]*pendingCommand),
		done:       make(chan struct{}),
	}
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// Transport returns the underlying transport.
func (c *Connection) Transport() connection.Transport { return c.transport }

func (p *pendingCommand) push(ev core.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// deliver hands buffered events to handle until handle reports the command
// done.
func (p *pendingCommand) deliver(handle func(core.Event) (bool, error)) (bool, error) {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()

	for _, ev := range events {
		if done, err := handle(ev); done {
			return true, err
		}
	}

	return false, nil
}

// register makes p the receiver of events for token. The same token may be
// forwarded again while an earlier forward waits, as when a command travels
// A→B→A→B through different kernels; the latest registration wins until it
// is removed.
func (c *Connection) register(token string) *pendingCommand {
	p := &pendingCommand{ready: make(chan struct{}, 1)}

	c.mu.Lock()
	c.pending[token] = append(c.pending[token], p)
	c.mu.Unlock()

	return p
}

func (c *Connection) unregister(token string, p *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.pending[token]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == p {
			stack = append(stack[:i:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(c.pending, token)
		return
	}
	c.pending[token] = stack
}

// lookup finds the forward waiting for token or, for events of commands the
// remote side spawned, for the nearest ancestor token.
func (c *Connection) lookup(token string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t := token; t != ""; {
		if stack := c.pending[t]; len(stack) > 0 {
			return stack[len(stack)-1]
		}
		i := strings.LastIndexByte(t, '.')
		if i < 0 {
			break
		}
		t = t[:i]
	}

	return nil
}

// forward sends env and feeds the events coming back to handle until handle
// reports the command done. It needs the connection to be running.
func (c *Connection) forward(ctx context.Context, env *connection.CommandEnvelope, handle func(core.Event) (bool, error)) error {
	p := c.register(env.Token)
	defer c.unregister(env.Token, p)

	if err := c.send(ctx, connection.NewCommandEnvelope(env)); err != nil {
		return err
	}

	for {
		select {
		case <-p.ready:
			if done, err := p.deliver(handle); done {
				return err
			}
		case <-c.done:
			if done, err := p.deliver(handle); done {
				return err
			}
			return fmt.Errorf("%w: connection %s", core.ErrTransportClosed, c.name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) send(ctx context.Context, env connection.Envelope) error {
	if err := c.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("connection %s: %w", c.name, err)
	}

	c.metrics.RecordEnvelopeSent(c.name, string(env.Kind))
	if el, ok := c.logger.(envelopeLogger); ok {
		el.LogEnvelope("sent", c.name, string(env.Kind), env.Token())
	}

	return nil
}

// run receives envelopes until the transport closes or ctx is cancelled.
// Remote commands are served concurrently; events go to the waiting forward.
func (c *Connection) run(ctx context.Context) error {
	var g errgroup.Group

	for {
		env, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrTransportClosed) {
				break
			}
			c.logger.Warn("discarding malformed envelope", "connection", c.name, "error", err)
			continue
		}

		c.metrics.RecordEnvelopeReceived(c.name, string(env.Kind))
		if el, ok := c.logger.(envelopeLogger); ok {
			el.LogEnvelope("received", c.name, string(env.Kind), env.Token())
		}

		switch env.Kind {
		case connection.KindCommand:
			cmdEnv := env.Command
			g.Go(func() error {
				c.serve(ctx, cmdEnv)
				return nil
			})
		case connection.KindEvent:
			c.dispatch(env.Event)
		}
	}

	c.markDone()

	return g.Wait()
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) dispatch(env *connection.EventEnvelope) {
	ev, err := c.serializer.DecodeEvent(env)
	if err != nil {
		c.logger.Warn("discarding undecodable event", "connection", c.name, "event_type", env.EventType, "error", err)
		return
	}

	token := ""
	if env.Command != nil {
		token = env.Command.Token
	}

	p := c.lookup(token)
	if p == nil {
		c.logger.Debug("no forward waiting for event", "connection", c.name, "event_type", env.EventType, "token", token)
		return
	}

	p.push(ev)
}

// serve runs a remote command on the local kernel it addresses and streams
// the events of that command back.
func (c *Connection) serve(ctx context.Context, env *connection.CommandEnvelope) {
	cmd, err := c.serializer.DecodeCommand(env)
	if err != nil {
		c.replyFailure(ctx, env, err)
		return
	}

	target, err := c.host.resolve(cmd)
	if err != nil {
		c.replyFailure(ctx, env, err)
		return
	}

	unsubscribe := target.Subscribe(func(ev core.Event) {
		if evCmd := ev.Command(); evCmd != nil && core.IsSelfOrDescendant(evCmd, cmd) {
			c.sendEvent(ctx, ev, cmd)
		}
	})
	defer unsubscribe()

	result, err := target.Send(ctx, cmd)
	if err != nil && result.Terminal() == nil {
		// Never reached the pipeline, so nothing was published.
		c.replyFailure(ctx, env, err)
	}
}

func (c *Connection) sendEvent(ctx context.Context, ev core.Event, root core.Command) {
	env, err := c.serializer.EncodeEvent(ev)
	if errors.Is(err, core.ErrUnknownCommandType) && !core.IsTerminal(ev) {
		// Spawned commands that cannot cross the wire, such as the
		// diagnostics of a split submission, report as the root.
		env, err = c.serializer.EncodeEventAs(ev, root)
	}
	if err != nil {
		c.logger.Debug("event not sent to remote host", "connection", c.name, "event_type", ev.EventType(), "error", err)
		return
	}

	if err := c.send(ctx, connection.NewEventEnvelope(env)); err != nil {
		c.logger.Warn("failed to send event", "connection", c.name, "event_type", ev.EventType(), "error", err)
	}
}

// replyFailure answers a command that could not be run with a CommandFailed
// event carrying the original command envelope.
func (c *Connection) replyFailure(ctx context.Context, cmdEnv *connection.CommandEnvelope, cause error) {
	env, err := c.serializer.EncodeEventAs(core.NewCommandFailed(nil, cause, ""), nil)
	if err != nil {
		c.logger.Error("failed to encode failure", "connection", c.name, "error", err)
		return
	}
	env.Command = cmdEnv

	if err := c.send(ctx, connection.NewEventEnvelope(env)); err != nil {
		c.logger.Warn("failed to send failure", "connection", c.name, "token", cmdEnv.Token, "error", err)
	}
}

// envelopeLogger is implemented by *logging.KernelMeshLogger.
type envelopeLogger interface {
	LogEnvelope(direction, conn, kind, token string)
}
