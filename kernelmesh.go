// Package kernelmesh provides a high-level façade over a kernel host: one
// composite kernel holding the local kernels, proxies to kernels on other
// hosts and the connections that reach them. Most applications:
//  1. Create a KernelMesh with New or NewFromConfig
//  2. Add their local kernels, built with KernelOptions so they share the
//     mesh logger, metrics and tracer
//  3. Run the mesh and send commands with Send or SubmitCode
//
// The façade delegates routing to kernel.CompositeKernel and the wire
// protocol to host.KernelHost.
package kernelmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kernelmesh/config"
	"github.com/hupe1980/kernelmesh/connection"
	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/host"
	"github.com/hupe1980/kernelmesh/kernel"
	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

// Options configures the KernelMesh instance.
type Options struct {
	// RootKernelName names the composite kernel. Defaults to the host name.
	RootKernelName string

	// DefaultKernel receives commands that name no target kernel.
	DefaultKernel string

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Metrics is optional; nil disables metrics.
	Metrics *telemetry.Metrics

	// Tracer, when set, adds a span per handled command to every kernel
	// built with KernelOptions.
	Tracer trace.Tracer

	// Serializer defaults to connection.NewSerializer().
	Serializer *connection.Serializer

	// Stdin and Stdout carry "stdio" connections. They default to os.Stdin
	// and os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer
}

// KernelMesh is the high-level façade aggregating a kernel host and its root
// kernel.
type KernelMesh struct {
	opts Options
	host *host.KernelHost
	root *kernel.CompositeKernel

	mu       sync.Mutex
	discover []discovery
	closers  []func(context.Context) error

	accepted atomic.Int64
}

type discovery struct {
	connection string
	remoteHost string
}

// New creates a KernelMesh for the host named hostName.
func New(hostName string, optFns ...func(o *Options)) *KernelMesh {
	opts := Options{
		RootKernelName: hostName,
		Logger:         logging.NoOpLogger{},
		Stdin:          os.Stdin,
		Stdout:         os.Stdout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	m := &KernelMesh{opts: opts}

	m.root = kernel.NewComposite(opts.RootKernelName, m.KernelOptions()...)
	if opts.DefaultKernel != "" {
		m.root.SetDefaultKernelName(opts.DefaultKernel)
	}

	m.host = host.New(hostName, m.root, func(o *host.Options) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Serializer = opts.Serializer
	})

	return m
}

// NewFromConfig builds a KernelMesh from cfg: logger, metrics and tracer from
// their sections, one transport per connection and one proxy per kernel.
// WebSocket connections are dialled here; discovery runs when Run starts.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*KernelMesh, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(cfg.TracingConfig(), cfg.Tracing.ServiceName)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(lc)

	m := New(cfg.Host.Name, append([]func(o *Options){func(o *Options) {
		o.RootKernelName = cfg.Host.RootKernel
		o.DefaultKernel = cfg.Host.DefaultKernel
		o.Logger = logger
		o.Metrics = telemetry.NewMetrics(cfg.MetricsConfig())
		o.Tracer = tracer.Tracer()
	}}, optFns...)...)

	m.closers = append(m.closers, tracer.Shutdown)

	fail := func(err error) (*KernelMesh, error) {
		_ = m.Close(ctx)
		return nil, err
	}

	for _, cc := range cfg.Connections {
		t, err := m.dial(ctx, cc)
		if err != nil {
			return fail(fmt.Errorf("connection %s: %w", cc.Name, err))
		}

		if _, err := m.host.AddConnection(cc.Name, t); err != nil {
			_ = t.Close()
			return fail(err)
		}

		if cc.Discover {
			m.discover = append(m.discover, discovery{connection: cc.Name, remoteHost: cc.RemoteHost})
		}
	}

	for _, kc := range cfg.Kernels {
		if _, err := m.host.ConnectProxyKernel(kc.Name, kc.RemoteURI, kc.Connection, kc.Aliases...); err != nil {
			return fail(fmt.Errorf("kernel %s: %w", kc.Name, err))
		}
	}

	return m, nil
}

func (m *KernelMesh) dial(ctx context.Context, cc config.ConnectionConfig) (connection.Transport, error) {
	switch cc.Type {
	case config.ConnectionStdio:
		return connection.NewStreamTransport(m.opts.Stdin, m.opts.Stdout), nil
	case config.ConnectionWebSocket:
		dialCtx, cancel := context.WithTimeout(ctx, cc.DialTimeout.Duration)
		defer cancel()
		return connection.DialWebSocket(dialCtx, cc.URL, nil)
	default:
		return nil, fmt.Errorf("unsupported connection type %q", cc.Type)
	}
}

// KernelOptions returns kernel options carrying the mesh logger, metrics and
// tracer.
func (m *KernelMesh) KernelOptions(optFns ...func(o *kernel.Options)) []func(o *kernel.Options) {
	return append([]func(o *kernel.Options){
		kernel.WithLogger(m.opts.Logger),
		kernel.WithMetrics(m.opts.Metrics),
		kernel.WithTracer(m.opts.Tracer),
	}, optFns...)
}

// Host returns the underlying kernel host.
func (m *KernelMesh) Host() *host.KernelHost { return m.host }

// Root returns the root composite kernel.
func (m *KernelMesh) Root() *kernel.CompositeKernel { return m.root }

// AddKernel adds a local kernel to the root kernel.
func (m *KernelMesh) AddKernel(k kernel.Kernel, aliases ...string) error {
	return m.root.Add(k, aliases...)
}

// ConnectProxyKernel adds a proxy for the kernel at remoteURI.
func (m *KernelMesh) ConnectProxyKernel(localName, remoteURI, connName string, aliases ...string) (*host.ProxyKernel, error) {
	return m.host.ConnectProxyKernel(localName, remoteURI, connName, aliases...)
}

// AddConnection registers a transport to another host.
func (m *KernelMesh) AddConnection(name string, t connection.Transport) error {
	_, err := m.host.AddConnection(name, t)
	return err
}

// AcceptHandler returns an HTTP handler that upgrades requests to WebSocket
// connections and registers each one with the host as "<prefix>-<n>".
func (m *KernelMesh) AcceptHandler(prefix string) http.Handler {
	return connection.WebSocketHandler(func(t *connection.WebSocketTransport) {
		name := fmt.Sprintf("%s-%d", prefix, m.accepted.Add(1))
		if _, err := m.host.AddConnection(name, t); err != nil {
			m.opts.Logger.Warn("rejecting connection", "connection", name, "error", err)
			_ = t.Close()
		}
	})
}

// MetricsHandler serves the Prometheus metrics of the mesh.
func (m *KernelMesh) MetricsHandler() http.Handler {
	return m.opts.Metrics.Handler()
}

// Send sends cmd to the root kernel.
func (m *KernelMesh) Send(ctx context.Context, cmd core.Command) (*core.KernelCommandResult, error) {
	return m.host.Send(ctx, cmd)
}

// SubmitCode submits code to the named kernel, or lets the root route it
// when targetKernel is empty.
func (m *KernelMesh) SubmitCode(ctx context.Context, code, targetKernel string) (*core.KernelCommandResult, error) {
	cmd := core.NewSubmitCode(code)
	if targetKernel != "" {
		cmd.SetTargetKernelName(targetKernel)
	}
	return m.Send(ctx, cmd)
}

// Run serves every connection until ctx is cancelled or Close is called.
// Connections configured for discovery get their proxies once serving starts;
// a failed discovery is logged and does not stop the mesh.
func (m *KernelMesh) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.host.Run(gctx) })

	m.mu.Lock()
	pending := m.discover
	m.discover = nil
	m.mu.Unlock()

	for _, d := range pending {
		g.Go(func() error {
			proxies, err := m.host.DiscoverProxyKernels(gctx, d.connection, d.remoteHost)
			if err != nil {
				m.opts.Logger.Warn("kernel discovery failed", "connection", d.connection, "remote_host", d.remoteHost, "error", err)
				return nil
			}
			m.opts.Logger.Info("kernels discovered", "connection", d.connection, "remote_host", d.remoteHost, "count", len(proxies))
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts the host down and flushes telemetry.
func (m *KernelMesh) Close(ctx context.Context) error {
	errs := []error{m.host.Close()}

	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	for _, fn := range closers {
		errs = append(errs, fn(ctx))
	}

	return errors.Join(errs...)
}
