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
	"github.com/hupe1980/kernelmesh/kernel"
	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

var (
	// ErrUnknownConnection is returned when a connection name is not registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrDuplicateConnection is returned when a connection name is already registered.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrHostClosed is returned when a connection is added to a closed host.
	ErrHostClosed = errors.New("kernel host closed")
)

// Options configures a KernelHost.
type Options struct {
	// Logger defaults to a NoOpLogger.
	Logger logging.Logger
	// Metrics is optional; nil disables envelope metrics.
	Metrics *telemetry.Metrics
	// Serializer defaults to connection.NewSerializer().
	Serializer *connection.Serializer
}

// KernelHost owns the composite kernel of one process, names its kernels
// kernel://<host>/<name>, and connects it to other hosts.
type KernelHost struct {
	name       string
	uri        string
	root       *kernel.CompositeKernel
	serializer *connection.Serializer
	logger     logging.Logger
	metrics    *telemetry.Metrics

	mu      sync.RWMutex
	conns   map[string]*Connection
	group   *errgroup.Group
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	closed  bool
}

// New creates a host named name around root. The root kernel gets the host
// URI; children without an explicit URI are named below it.
func New(name string, root *kernel.CompositeKernel, optFns ...func(o *Options)) *KernelHost {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Serializer == nil {
		opts.Serializer = connection.NewSerializer()
	}

	h := &KernelHost{
		name:       name,
		uri:        core.HostURI(name),
		root:       root,
		serializer: opts.Serializer,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		conns:      make(map[string]*Connection),
	}

	root.SetURI(h.uri)

	return h
}

// Name returns the host name.
func (h *KernelHost) Name() string { return h.name }

// URI returns the host URI, kernel://<host>/.
func (h *KernelHost) URI() string { return h.uri }

// Root returns the host's composite kernel.
func (h *KernelHost) Root() *kernel.CompositeKernel { return h.root }

// Serializer returns the serializer used on every connection.
func (h *KernelHost) Serializer() *connection.Serializer { return h.serializer }

// Send sends cmd to the root kernel.
func (h *KernelHost) Send(ctx context.Context, cmd core.Command) (*core.KernelCommandResult, error) {
	return h.root.Send(ctx, cmd)
}

// AddConnection registers a transport under name. A connection added while
// the host runs starts receiving immediately.
func (h *KernelHost) AddConnection(name string, t connection.Transport) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	if _, ok := h.conns[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, name)
	}

	c := newConnection(name, t, h)
	h.conns[name] = c

	if h.running {
		ctx := h.runCtx
		h.group.Go(func() error { return c.run(ctx) })
	}

	h.logger.Info("connection added", "host", h.name, "connection", name)

	return c, nil
}

// Connection returns the connection registered under name.
func (h *KernelHost) Connection(name string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[name]
	return c, ok
}

// ConnectProxyKernel adds a proxy named localName to the root kernel. The
// proxy forwards over the named connection to the kernel at remoteURI.
func (h *KernelHost) ConnectProxyKernel(localName, remoteURI, connName string, aliases ...string) (*ProxyKernel, error) {
	c, ok := h.Connection(connName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connName)
	}

	normalized, err := core.ParseKernelURI(remoteURI)
	if err != nil {
		return nil, err
	}

	p := NewProxyKernel(localName, normalized, c,
		kernel.WithAliases(aliases...),
		kernel.WithLogger(h.logger),
		kernel.WithMetrics(h.metrics),
	)

	if err := h.root.Add(p); err != nil {
		_ = p.Dispose()
		return nil, err
	}

	h.logger.Info("proxy kernel connected", "host", h.name, "kernel", localName, "remote_uri", normalized, "connection", connName)

	return p, nil
}

// DiscoverProxyKernels asks the host at remoteHostURI for its kernels and
// connects a proxy for each one. Remote composites and proxies are skipped,
// as are kernels whose name is already taken locally.
func (h *KernelHost) DiscoverProxyKernels(ctx context.Context, connName, remoteHostURI string) ([]*ProxyKernel, error) {
	c, ok := h.Connection(connName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connName)
	}

	remoteHostURI, err := core.ParseKernelURI(remoteHostURI)
	if err != nil {
		return nil, err
	}

	infos, err := c.requestKernelInfo(ctx, remoteHostURI)
	if err != nil {
		return nil, err
	}

	var proxies []*ProxyKernel

	for _, info := range infos {
		if info.IsComposite || info.IsProxy || info.URI == "" {
			continue
		}

		p, err := h.ConnectProxyKernel(info.LocalName, info.URI, connName, info.Aliases...)
		if errors.Is(err, core.ErrDuplicateKernelName) {
			h.logger.Warn("skipping discovered kernel", "host", h.name, "kernel", info.LocalName, "error", err)
			continue
		}
		if err != nil {
			return proxies, err
		}

		p.SetRemoteInfo(info)
		proxies = append(proxies, p)
	}

	return proxies, nil
}

// requestKernelInfo sends RequestKernelInfo to uri and collects the answers.
func (c *Connection) requestKernelInfo(ctx context.Context, uri string) ([]core.KernelInfo, error) {
	cmd := core.NewRequestKernelInfo()
	cmd.SetDestinationURI(uri)

	env, err := c.serializer.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	var infos []core.KernelInfo

	err = c.forward(ctx, env, func(ev core.Event) (bool, error) {
		switch e := ev.(type) {
		case *core.KernelInfoProduced:
			infos = append(infos, e.Info)
		case *core.CommandFailed:
			if e.Command() == nil || e.Command().Token() == cmd.Token() {
				return true, &core.RemoteCommandError{RemoteURI: uri, Message: e.Message}
			}
		case *core.CommandSucceeded:
			return e.Command() == nil || e.Command().Token() == cmd.Token(), nil
		}
		return false, nil
	})

	return infos, err
}

// resolve finds the local kernel a remote command addresses. The host URI and
// an empty destination address the root; otherwise the last path segment
// names the kernel.
func (h *KernelHost) resolve(cmd core.Command) (kernel.Kernel, error) {
	uri := cmd.DestinationURI()
	if uri == "" {
		return h.root, nil
	}

	_, local, err := core.SplitKernelURI(uri)
	if err != nil {
		return nil, core.NoSuitableKernelError(cmd, err.Error())
	}

	if local == "" {
		// Let the root route by target name or default kernel.
		cmd.SetDestinationURI("")
		return h.root, nil
	}

	name := local
	if i := strings.LastIndexByte(local, '/'); i >= 0 {
		name = local[i+1:]
	}

	k, ok := h.root.FindKernel(name)
	if !ok {
		return nil, core.NoSuitableKernelError(cmd, fmt.Sprintf("no kernel %q on host %s", local, h.uri))
	}

	cmd.SetDestinationURI(k.URI())

	return k, nil
}

// Run serves every connection until ctx is cancelled or Close is called.
// Either way it returns nil, also when Close ran before Run started.
func (h *KernelHost) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if h.running {
		h.mu.Unlock()
		return errors.New("kernel host already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	h.group = g
	h.runCtx = gctx
	h.cancel = cancel
	h.running = true

	// Keeps the group open for connections added later.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	for _, c := range h.conns {
		g.Go(func() error { return c.run(gctx) })
	}
	h.mu.Unlock()

	h.logger.Info("kernel host running", "host", h.name, "uri", h.uri)

	err := g.Wait()
	cancel()

	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	return err
}

// Close closes every connection, stops Run and disposes the root kernel.
func (h *KernelHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancel
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", c.name, err))
		}
		c.markDone()
	}

	if cancel != nil {
		cancel()
	}

	if err := h.root.Dispose(); err != nil {
		errs = append(errs, err)
	}

	h.logger.Info("kernel host closed", "host", h.name)

	return errors.Join(errs...)
}
