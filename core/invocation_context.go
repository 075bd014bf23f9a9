package core

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/kernelmesh/logging"
)

// ContextState is the lifecycle state of an InvocationContext. Completed and
// Failed are terminal.
type ContextState int

const (
	StateActive ContextState = iota
	StateCompleted
	StateFailed
)

func (s ContextState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InvocationContext is the scope of one root command. It tracks the child
// commands spawned while the root is handled, owns the event stream shared by
// all of them and enforces the terminal state:
//   - Publish only accepts events of the root, of tracked children, or of no command
//   - the root's terminal event is always the last event delivered
//   - nothing is published once the context is Completed or Failed
//
// Events are delivered through an outbox. Whichever goroutine finds the outbox
// idle drains it; publishes made meanwhile (including from subscribers) are
// queued behind it, which keeps publish order without holding a lock while
// subscribers run.
type InvocationContext struct {
	*loggerAdapter

	mu       sync.Mutex
	root     Command
	children map[Command]struct{}
	state    ContextState
	failure  error

	detached bool
	disposed bool

	subscribers []subscription
	nextSubID   int
	outbox      []Event
	draining    bool
	done        chan struct{}
	doneClosed  bool

	onComplete []func(*InvocationContext)

	handlingKernelName string
	currentKernelName  string
	currentKernelURI   string
}

type subscription struct {
	id int
	fn func(Event)
}

type invocationContextKey struct{}

type currentCommandKey struct{}

// Establish returns the invocation context cmd runs in. If ctx already carries
// an attached context, cmd becomes a tracked child of it (unless it is the
// root itself) and that same instance is returned together with ctx
// unchanged. Otherwise a new context rooted at cmd is created and stored in the
// returned context.Context.
func Establish(ctx context.Context, cmd Command) (*InvocationContext, context.Context) {
	if ic := CurrentInvocationContext(ctx); ic != nil && ic.attached() {
		if cmd != ic.root {
			adoptParent(ctx, ic, cmd)
			ic.track(cmd)
		}
		return ic, ctx
	}

	ic := newInvocationContext(cmd)

	return ic, context.WithValue(ctx, invocationContextKey{}, ic)
}

// AdoptParent gives cmd the parent Establish would give it: the command being
// handled on ctx, or the root of the attached invocation context. It does
// nothing when cmd already has a parent or ctx carries no attached context.
// Call it before the first Token call, since the token is derived from the
// parent once and then cached.
func AdoptParent(ctx context.Context, cmd Command) {
	if ic := CurrentInvocationContext(ctx); ic != nil && ic.attached() && cmd != ic.root {
		adoptParent(ctx, ic, cmd)
	}
}

func adoptParent(ctx context.Context, ic *InvocationContext, cmd Command) {
	if cmd.Parent() != nil {
		return
	}

	parent := CurrentCommand(ctx)
	if parent == nil {
		parent = ic.root
	}
	cmd.SetParent(parent)
}

// IsEstablished reports whether cmd already runs in the invocation context
// carried by ctx, as its root or as a tracked child.
func IsEstablished(ctx context.Context, cmd Command) bool {
	ic := CurrentInvocationContext(ctx)
	if ic == nil || !ic.attached() {
		return false
	}
	return ic.root == cmd || ic.IsTracked(cmd)
}

// WithoutInvocationContext hides the invocation context carried by ctx, so the
// next Establish starts a new root.
func WithoutInvocationContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, (*InvocationContext)(nil))
}

// CurrentInvocationContext returns the context carried by ctx, or nil.
func CurrentInvocationContext(ctx context.Context) *InvocationContext {
	ic, _ := ctx.Value(invocationContextKey{}).(*InvocationContext)
	return ic
}

// WithCurrentCommand records cmd as the command being handled on ctx. Commands
// established below it get it as their parent.
func WithCurrentCommand(ctx context.Context, cmd Command) context.Context {
	return context.WithValue(ctx, currentCommandKey{}, cmd)
}

// CurrentCommand returns the command being handled on ctx, or nil.
func CurrentCommand(ctx context.Context) Command {
	cmd, _ := ctx.Value(currentCommandKey{}).(Command)
	return cmd
}

func newInvocationContext(root Command) *InvocationContext {
	return &InvocationContext{
		loggerAdapter: newLoggerAdapter(nil, root),
		root:          root,
		children:      make(map[Command]struct{}),
		done:          make(chan struct{}),
	}
}

// SetLogger replaces the context's logger.
func (c *InvocationContext) SetLogger(l logging.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggerAdapter = newLoggerAdapter(l, c.root)
}

// Command returns the root command.
func (c *InvocationContext) Command() Command { return c.root }

// State returns the current lifecycle state.
func (c *InvocationContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsComplete reports whether the context reached a terminal state.
func (c *InvocationContext) IsComplete() bool { return c.State() != StateActive }

// Err returns the root failure, or nil.
func (c *InvocationContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Done is closed once the root's terminal event was delivered to every
// subscriber.
func (c *InvocationContext) Done() <-chan struct{} { return c.done }

// IsTracked reports whether cmd is a child currently tracked by the context.
func (c *InvocationContext) IsTracked(cmd Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.children[cmd]
	return ok
}

func (c *InvocationContext) track(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.children[cmd] = struct{}{}
	}
}

func (c *InvocationContext) untrack(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, cmd)
}

func (c *InvocationContext) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.detached && c.state == StateActive
}

// Subscribe registers fn for every event delivered from now on. Subscribers
// run on the draining goroutine and must not block on the context itself.
func (c *InvocationContext) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscription{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to the subscribers. It returns false when ev was
// dropped, either because the context is already terminal or because ev
// belongs to a command this context does not track.
func (c *InvocationContext) Publish(ev Event) bool {
	cmd := ev.Command()

	c.mu.Lock()
	log := c.loggerAdapter
	if state := c.state; state != StateActive {
		c.mu.Unlock()
		log.logDropped(ev, "terminal", "state", state.String())
		return false
	}
	if cmd != nil && cmd != c.root {
		if _, ok := c.children[cmd]; !ok {
			c.mu.Unlock()
			log.logDropped(ev, "untracked command", "command_type", cmd.CommandType())
			return false
		}
	}

	if uri := c.currentKernelURI; uri != "" && ev.RoutingSlip().IsEmpty() {
		_ = ev.StampRoutingSlip(uri)
	}

	if cmd != nil && cmd == c.root {
		switch e := ev.(type) {
		case *CommandSucceeded:
			c.state = StateCompleted
		case *CommandFailed:
			c.state = StateFailed
			c.failure = failureError(e)
		}
	}

	c.outbox = append(c.outbox, ev)
	if c.draining {
		c.mu.Unlock()
		return true
	}
	c.draining = true
	c.drainLocked()
	c.mu.Unlock()

	return true
}

// drainLocked delivers queued events. It is entered and left with c.mu held
// but releases it around subscriber calls.
func (c *InvocationContext) drainLocked() {
	for len(c.outbox) > 0 {
		ev := c.outbox[0]
		c.outbox = c.outbox[1:]
		subs := make([]subscription, len(c.subscribers))
		copy(subs, c.subscribers)

		c.mu.Unlock()
		for _, s := range subs {
			s.fn(ev)
		}
		c.mu.Lock()
	}
	c.draining = false

	if c.state != StateActive && !c.doneClosed {
		c.doneClosed = true
		close(c.done)
	}
}

// Complete finishes cmd. Completing the root publishes CommandSucceeded and
// moves the context to Completed; completing a child only stops tracking it.
func (c *InvocationContext) Complete(cmd Command) {
	if cmd == nil || cmd == c.root {
		c.Publish(NewCommandSucceeded(c.root))
		return
	}
	c.untrack(cmd)
}

// Fail finishes cmd with a failure. A nil cmd or the root fails the whole
// context; a tracked child gets its own CommandFailed and is untracked, and it
// is up to whoever awaited the child to decide whether the root fails too.
func (c *InvocationContext) Fail(cmd Command, err error, message string) {
	if cmd == nil || cmd == c.root {
		c.Publish(NewCommandFailed(c.root, err, message))
		return
	}
	c.Publish(NewCommandFailed(cmd, err, message))
	c.untrack(cmd)
}

// OnComplete registers fn to run, in registration order, when the context is
// disposed.
func (c *InvocationContext) OnComplete(fn func(*InvocationContext)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = append(c.onComplete, fn)
}

// Dispose detaches the context so new commands start a fresh one, runs the
// OnComplete callbacks, then completes the root if it is still active. Only
// the first call has an effect.
func (c *InvocationContext) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.detached = true
	callbacks := c.onComplete
	c.onComplete = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(c)
	}

	c.Complete(c.root)
}

// SetHandlingKernelName records the kernel selected by a kernel selector
// directive for the rest of this context.
func (c *InvocationContext) SetHandlingKernelName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlingKernelName = name
}

// HandlingKernelName returns the kernel selected by a directive, or "".
func (c *InvocationContext) HandlingKernelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlingKernelName
}

// SetCurrentKernel records the kernel now handling a command and returns a
// func restoring the previous one.
func (c *InvocationContext) SetCurrentKernel(name, uri string) (restore func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevName, prevURI := c.currentKernelName, c.currentKernelURI
	c.currentKernelName, c.currentKernelURI = name, uri

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.currentKernelName, c.currentKernelURI = prevName, prevURI
	}
}

// CurrentKernelName returns the name of the kernel now handling a command.
func (c *InvocationContext) CurrentKernelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentKernelName
}

// CurrentKernelURI returns the URI of the kernel now handling a command.
func (c *InvocationContext) CurrentKernelURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentKernelURI
}

func failureError(ev *CommandFailed) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New(ev.Message)
}
