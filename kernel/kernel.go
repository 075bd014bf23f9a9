package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/directive"
	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

// Kernel is an addressable unit that accepts commands and emits events.
//
// Every implementation embeds *BaseKernel, which provides the command queue,
// the middleware pipeline, the directive grammar and the event stream. A
// kernel belongs to at most one CompositeKernel.
type Kernel interface {
	Name() string
	Aliases() []string
	URI() string
	SetURI(uri string)

	// Send queues cmd behind every command sent to this kernel before it and
	// returns once cmd reached a terminal state. Sent from inside a command
	// running on this kernel, cmd runs inline and joins that command's
	// invocation context.
	Send(ctx context.Context, cmd core.Command) (*core.KernelCommandResult, error)

	// Subscribe observes every event of root commands handled by this kernel
	// and, for composites, by its children.
	Subscribe(fn func(core.Event)) (unsubscribe func())

	AddDirective(d *directive.Directive) error
	Grammar() *directive.Grammar
	AddMiddleware(name string, mw Middleware)

	DeferCommand(cmd core.Command)
	RunDeferredCommands(ctx context.Context) error

	SupportedCommandTypes() []core.CommandType
	ParentKernel() *CompositeKernel
	KernelInfo() core.KernelInfo

	Dispose() error

	base() *BaseKernel
}

// PackageRestorer resolves package references collected from package
// directives. Restore returns the packages that were added.
type PackageRestorer interface {
	Restore(ctx context.Context, sources []string, refs []core.PackageReference) ([]core.PackageReference, error)
}

// Options configures a kernel.
type Options struct {
	// Aliases are extra names the kernel answers to inside a composite.
	Aliases []string

	// URI overrides the URI a composite or host would assign.
	URI string

	// Logger defaults to a NoOpLogger.
	Logger logging.Logger

	// Metrics is optional; nil disables metrics.
	Metrics *telemetry.Metrics

	// Tracer, when set, installs TracingMiddleware.
	Tracer trace.Tracer

	// PackageRestorer, when set, registers the #r and #i directives and
	// handles RestoreCommand.
	PackageRestorer PackageRestorer
}

// WithAliases sets kernel aliases.
func WithAliases(aliases ...string) func(o *Options) {
	return func(o *Options) { o.Aliases = append(o.Aliases, aliases...) }
}

// WithURI sets an explicit kernel URI.
func WithURI(uri string) func(o *Options) {
	return func(o *Options) { o.URI = uri }
}

// WithLogger sets the kernel logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer enables one OpenTelemetry span per handled command.
func WithTracer(t trace.Tracer) func(o *Options) {
	return func(o *Options) { o.Tracer = t }
}

// WithPackageRestorer enables package directives.
func WithPackageRestorer(r PackageRestorer) func(o *Options) {
	return func(o *Options) { o.PackageRestorer = r }
}

// BaseKernel implements Kernel. Use New for a standalone kernel or embed it
// through NewComposite or a custom constructor calling Init.
type BaseKernel struct {
	self    Kernel
	name    string
	aliases []string
	logger  logging.Logger
	metrics *telemetry.Metrics

	uriMu sync.RWMutex
	uri   string

	grammar   *directive.Grammar
	pipeline  *Pipeline
	scheduler *Scheduler

	handlersMu sync.RWMutex
	handlers   map[core.CommandType]HandlerFunc
	dispatch   HandlerFunc

	parentMu sync.RWMutex
	parent   *CompositeKernel

	subsMu    sync.RWMutex
	subs      []kernelSubscription
	nextSubID int

	restorer  PackageRestorer
	pkgMu     sync.Mutex
	pkgRefs   []core.PackageReference
	pkgSource []string

	lineageMu sync.Mutex
	lineage   map[string]int

	disposed    atomic.Bool
	disposeMu   sync.Mutex
	disposables []func()
}

type kernelSubscription struct {
	id int
	fn func(core.Event)
}

// New creates a standalone kernel. Register handlers for the command types it
// supports with RegisterCommandHandler.
func New(name string, optFns ...func(o *Options)) *BaseKernel {
	k := &BaseKernel{}
	k.Init(k, name, optFns...)
	return k
}

// Init initializes an embedded BaseKernel. self is the outer kernel, used
// wherever the kernel hands itself out (routing, splitting, KernelInfo).
func (k *BaseKernel) Init(self Kernel, name string, optFns ...func(o *Options)) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	k.self = self
	k.name = name
	k.aliases = slices.Clone(opts.Aliases)
	k.uri = opts.URI
	k.logger = opts.Logger
	k.metrics = opts.Metrics
	k.grammar = directive.NewGrammar()
	k.handlers = make(map[core.CommandType]HandlerFunc)
	k.lineage = make(map[string]int)
	k.dispatch = k.HandleCommand
	k.scheduler = NewScheduler(name, opts.Logger, opts.Metrics)
	k.pipeline = newPipeline(
		func(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
			return k.dispatch(ctx, cmd, ic)
		},
		namedMiddleware{name: "console", mw: consoleMiddleware},
		namedMiddleware{name: "current-kernel", mw: k.currentKernelMiddleware},
		namedMiddleware{name: "split-submission", mw: k.splitMiddleware},
	)

	if opts.Tracer != nil {
		k.pipeline.AddMiddleware("tracing", TracingMiddleware(opts.Tracer))
	}
	if opts.PackageRestorer != nil {
		k.restorer = opts.PackageRestorer
		k.registerPackageDirectives()
	}
}

func (k *BaseKernel) base() *BaseKernel { return k }

// Name returns the kernel name.
func (k *BaseKernel) Name() string { return k.name }

// Aliases returns the kernel aliases.
func (k *BaseKernel) Aliases() []string { return slices.Clone(k.aliases) }

// URI returns the kernel URI, or "" before one was assigned.
func (k *BaseKernel) URI() string {
	k.uriMu.RLock()
	defer k.uriMu.RUnlock()
	return k.uri
}

// SetURI assigns the kernel URI.
func (k *BaseKernel) SetURI(uri string) {
	k.uriMu.Lock()
	defer k.uriMu.Unlock()
	k.uri = uri
}

// Logger returns the kernel logger.
func (k *BaseKernel) Logger() logging.Logger { return k.logger }

// Metrics returns the kernel metrics, possibly nil.
func (k *BaseKernel) Metrics() *telemetry.Metrics { return k.metrics }

// Grammar returns the directives registered on this kernel.
func (k *BaseKernel) Grammar() *directive.Grammar { return k.grammar }

// Pipeline returns the kernel's middleware pipeline.
func (k *BaseKernel) Pipeline() *Pipeline { return k.pipeline }

// Scheduler returns the kernel's command queue.
func (k *BaseKernel) Scheduler() *Scheduler { return k.scheduler }

// AddDirective registers d with this kernel.
func (k *BaseKernel) AddDirective(d *directive.Directive) error {
	return k.grammar.Add(d)
}

// AddMiddleware appends user middleware. It runs after the built-in stages.
func (k *BaseKernel) AddMiddleware(name string, mw Middleware) {
	k.pipeline.AddMiddleware(name, mw)
}

// RegisterCommandHandler makes the kernel handle commands of type t with h.
func (k *BaseKernel) RegisterCommandHandler(t core.CommandType, h HandlerFunc) {
	k.handlersMu.Lock()
	defer k.handlersMu.Unlock()
	k.handlers[t] = h
}

// SetDispatch replaces the core handler at the end of the pipeline.
// Embedding kernels use it to route before falling back to HandleCommand.
func (k *BaseKernel) SetDispatch(h HandlerFunc) { k.dispatch = h }

// ParentKernel returns the owning composite, or nil.
func (k *BaseKernel) ParentKernel() *CompositeKernel {
	k.parentMu.RLock()
	defer k.parentMu.RUnlock()
	return k.parent
}

func (k *BaseKernel) setParent(c *CompositeKernel) error {
	k.parentMu.Lock()
	defer k.parentMu.Unlock()
	if k.parent != nil {
		return fmt.Errorf("%w: %s belongs to %s", core.ErrKernelAlreadyOwned, k.name, k.parent.Name())
	}
	k.parent = c
	return nil
}

// RootKernel returns the top of k's composite chain.
func RootKernel(k Kernel) Kernel {
	for {
		p := k.ParentKernel()
		if p == nil {
			return k
		}
		k = p
	}
}

// SupportedCommandTypes lists the command types the kernel handles.
func (k *BaseKernel) SupportedCommandTypes() []core.CommandType {
	types := []core.CommandType{
		core.CommandTypeDirective,
		core.CommandTypeAnonymous,
		core.CommandTypeRequestKernelInfo,
	}
	if k.restorer != nil {
		types = append(types, core.CommandTypeRestore)
	}

	k.handlersMu.RLock()
	for t := range k.handlers {
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	k.handlersMu.RUnlock()

	slices.Sort(types)

	return types
}

// KernelInfo describes the kernel.
func (k *BaseKernel) KernelInfo() core.KernelInfo {
	return core.KernelInfo{
		LocalName:           k.name,
		Aliases:             k.Aliases(),
		URI:                 k.URI(),
		SupportedCommands:   k.self.SupportedCommandTypes(),
		SupportedDirectives: k.grammar.Names(),
	}
}

// Subscribe observes the kernel's event stream.
func (k *BaseKernel) Subscribe(fn func(core.Event)) (unsubscribe func()) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()

	k.nextSubID++
	id := k.nextSubID
	k.subs = append(k.subs, kernelSubscription{id: id, fn: fn})

	return func() {
		k.subsMu.Lock()
		defer k.subsMu.Unlock()
		for i, s := range k.subs {
			if s.id == id {
				k.subs = append(k.subs[:i:i], k.subs[i+1:]...)
				return
			}
		}
	}
}

// PublishEvent delivers ev to the kernel's subscribers.
func (k *BaseKernel) PublishEvent(ev core.Event) {
	k.subsMu.RLock()
	subs := slices.Clone(k.subs)
	k.subsMu.RUnlock()

	k.metrics.RecordEvent(k.name, string(ev.EventType()))

	for _, s := range subs {
		s.fn(ev)
	}
}

// DeferCommand parks cmd until the next Send or RunDeferredCommands. Deferred
// commands run as their own root commands.
func (k *BaseKernel) DeferCommand(cmd core.Command) {
	k.scheduler.Defer(context.Background(), func(ctx context.Context) error {
		_, err := k.invoke(core.WithoutInvocationContext(ctx), cmd)
		if err != nil {
			k.logger.Warn("deferred command failed", "kernel", k.name, "command_type", cmd.CommandType(), "error", err)
		}
		return nil
	})
}

// RunDeferredCommands drains deferred commands ahead of the next command.
func (k *BaseKernel) RunDeferredCommands(ctx context.Context) error {
	return k.scheduler.RunDeferred(ctx)
}

// Send implements Kernel.
func (k *BaseKernel) Send(ctx context.Context, cmd core.Command) (*core.KernelCommandResult, error) {
	if k.disposed.Load() {
		return &core.KernelCommandResult{Command: cmd}, fmt.Errorf("%w: %s", core.ErrKernelDisposed, k.name)
	}

	// The token is derived from the parent, so the parent must be known first.
	core.AdoptParent(ctx, cmd)

	if k.inLineage(cmd.Token()) {
		// The command came back from another host while this kernel is
		// still handling its lineage; queueing it would wait on itself.
		return k.invoke(ctx, cmd)
	}

	if err := k.RunDeferredCommands(ctx); err != nil {
		return &core.KernelCommandResult{Command: cmd}, err
	}

	var result *core.KernelCommandResult
	err := k.scheduler.Schedule(ctx, func(ctx context.Context) error {
		var err error
		result, err = k.invoke(ctx, cmd)
		return err
	})
	if result == nil {
		result = &core.KernelCommandResult{Command: cmd}
	}

	return result, err
}

// invoke establishes cmd's invocation context and runs the pipeline. It owns
// the context when cmd is a new root, tracks cmd when it is a new child, and
// only passes through when cmd was already established upstream, as when a
// composite hands its command to a child kernel.
func (k *BaseKernel) invoke(ctx context.Context, cmd core.Command) (*core.KernelCommandResult, error) {
	token := cmd.Token()
	k.enterLineage(token)
	defer k.exitLineage(token)

	reentry := core.IsEstablished(ctx, cmd)
	ic, ctx := core.Establish(ctx, cmd)
	visited := cmd.RoutingSlip().Contains(k.URI())
	owner := !reentry && ic.Command() == cmd

	rec := &eventCollector{}
	var unsubscribe func()
	if owner {
		ic.SetLogger(k.logger)
		unsubscribe = ic.Subscribe(func(ev core.Event) {
			rec.add(ev)
			k.PublishEvent(ev)
		})
	} else {
		unsubscribe = ic.Subscribe(func(ev core.Event) {
			if evCmd := ev.Command(); evCmd != nil && core.IsSelfOrDescendant(evCmd, cmd) {
				rec.add(ev)
			}
		})
	}

	if sub, ok := cmd.(*core.SubmitCode); ok && owner {
		ic.Publish(core.NewCodeSubmissionReceived(sub))
	}

	start := time.Now()
	err := k.pipeline.Run(core.WithCurrentCommand(ctx, cmd), cmd, ic)
	if err == nil {
		err = k.stamp(cmd, visited)
	}
	k.metrics.RecordCommand(k.name, string(cmd.CommandType()), time.Since(start), err)
	if cl, ok := k.logger.(commandLogger); ok {
		cl.LogCommand(k.name, string(cmd.CommandType()), time.Since(start), err)
	}

	switch {
	case owner:
		if err != nil {
			ic.Fail(cmd, err, "")
		}
		ic.Dispose()
		<-ic.Done()
		unsubscribe()
		err = ic.Err()
	case !reentry:
		if err != nil {
			ic.Fail(cmd, err, "")
		} else {
			ic.Complete(cmd)
		}
		unsubscribe()
	default:
		unsubscribe()
	}

	return &core.KernelCommandResult{Command: cmd, Events: rec.events()}, err
}

func (k *BaseKernel) enterLineage(token string) {
	k.lineageMu.Lock()
	defer k.lineageMu.Unlock()
	k.lineage[token]++
}

func (k *BaseKernel) exitLineage(token string) {
	k.lineageMu.Lock()
	defer k.lineageMu.Unlock()
	if k.lineage[token]--; k.lineage[token] <= 0 {
		delete(k.lineage, token)
	}
}

// inLineage reports whether token is, or descends from, a command this kernel
// is handling right now.
func (k *BaseKernel) inLineage(token string) bool {
	k.lineageMu.Lock()
	defer k.lineageMu.Unlock()
	for t := range k.lineage {
		if token == t || strings.HasPrefix(token, t+".") {
			return true
		}
	}
	return false
}

// stamp records this kernel on cmd's routing slip once handling finished.
// A kernel that already stamped while handling, as a proxy does before
// forwarding, is not stamped twice. visited reports whether the URI was on the
// slip before handling started.
func (k *BaseKernel) stamp(cmd core.Command, visited bool) error {
	uri := k.URI()
	if uri == "" {
		return nil
	}
	if !visited && cmd.RoutingSlip().Contains(uri) {
		return nil
	}
	if err := cmd.StampRoutingSlip(uri); err != nil {
		if errors.Is(err, core.ErrDuplicateRoutingSlipEntry) {
			k.metrics.RecordRoutingSlipRejection(uri)
		}
		return err
	}
	return nil
}

// HandleCommand is the default core handler: registered handlers first, then
// the built-in command types.
func (k *BaseKernel) HandleCommand(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
	k.handlersMu.RLock()
	h, ok := k.handlers[cmd.CommandType()]
	k.handlersMu.RUnlock()
	if ok {
		return h(ctx, cmd, ic)
	}

	switch c := cmd.(type) {
	case *core.AnonymousCommand:
		if c.Handler == nil {
			return nil
		}
		return c.Handler(ctx, c, ic)
	case *core.DirectiveCommand:
		return k.handleDirective(ctx, c, ic)
	case *core.RequestKernelInfo:
		ic.Publish(core.NewKernelInfoProduced(cmd, k.self.KernelInfo()))
		return nil
	case *core.RestoreCommand:
		return k.restore(ctx, c, ic)
	}

	return fmt.Errorf("%w: %s by kernel %s", core.ErrCommandNotSupported, cmd.CommandType(), k.name)
}

func (k *BaseKernel) handleDirective(ctx context.Context, cmd *core.DirectiveCommand, ic *core.InvocationContext) error {
	for kk := k.self; kk != nil; kk = parentKernel(kk) {
		if d, ok := kk.Grammar().Lookup(cmd.Name); ok {
			if d.Handler == nil {
				return nil
			}
			return d.Handler(ctx, cmd, ic)
		}
	}
	return fmt.Errorf("%w: directive %s by kernel %s", core.ErrCommandNotSupported, cmd.Name, k.name)
}

// RegisterForDisposal runs fn when the kernel is disposed.
func (k *BaseKernel) RegisterForDisposal(fn func()) {
	k.disposeMu.Lock()
	defer k.disposeMu.Unlock()
	k.disposables = append(k.disposables, fn)
}

// IsDisposed reports whether Dispose was called.
func (k *BaseKernel) IsDisposed() bool { return k.disposed.Load() }

// Dispose stops the command queue and runs registered disposals in reverse
// order. Only the first call has an effect.
func (k *BaseKernel) Dispose() error {
	if !k.disposed.CompareAndSwap(false, true) {
		return nil
	}

	k.scheduler.Close()

	k.disposeMu.Lock()
	fns := k.disposables
	k.disposables = nil
	k.disposeMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}

	return nil
}

// parentKernel returns k's parent as a Kernel, or a true nil.
func parentKernel(k Kernel) Kernel {
	if p := k.ParentKernel(); p != nil {
		return p
	}
	return nil
}

// commandLogger is implemented by *logging.KernelMeshLogger.
type commandLogger interface {
	LogCommand(kernel, commandType string, dur time.Duration, err error)
}

// routingLogger is implemented by *logging.KernelMeshLogger.
type routingLogger interface {
	LogRouting(composite, commandType, target, reason string)
}

type eventCollector struct {
	mu  sync.Mutex
	evs []core.Event
}

func (c *eventCollector) add(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *eventCollector) events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.evs)
}
