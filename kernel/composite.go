package kernel

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/directive"
)

// Routing reasons reported to metrics and logs.
const (
	RouteTargetName     = "target-name"
	RouteDestinationURI = "destination-uri"
	RouteSelector       = "selector"
	RouteSingleChild    = "single-child"
	RouteDefaultKernel  = "default-kernel"
	RouteSelf           = "self"
)

// CompositeKernel routes commands to child kernels. Children are added once
// and live as long as the composite; disposing the composite disposes them.
type CompositeKernel struct {
	*BaseKernel

	mu                sync.RWMutex
	children          []Kernel
	byName            map[string]Kernel
	derivedURI        map[Kernel]bool
	defaultKernelName string
}

// NewComposite creates an empty composite kernel.
func NewComposite(name string, optFns ...func(o *Options)) *CompositeKernel {
	c := &CompositeKernel{
		BaseKernel: &BaseKernel{},
		byName:     make(map[string]Kernel),
		derivedURI: make(map[Kernel]bool),
	}
	c.Init(c, name, optFns...)
	c.SetDispatch(c.handle)

	return c
}

// Add makes k a child of the composite, reachable by its name, its own
// aliases and the given extra aliases. Each of these names also becomes a
// "#!<name>" selector directive. k's event stream is forwarded to the
// composite's.
func (c *CompositeKernel) Add(k Kernel, aliases ...string) error {
	if p := k.ParentKernel(); p != nil {
		return fmt.Errorf("%w: %s belongs to %s", core.ErrKernelAlreadyOwned, k.Name(), p.Name())
	}

	names := []string{k.Name()}
	for _, n := range append(k.Aliases(), aliases...) {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}

	c.mu.Lock()
	for _, n := range names {
		if _, taken := c.byName[n]; taken || n == c.Name() {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", core.ErrDuplicateKernelName, n)
		}
	}
	if err := k.base().setParent(c); err != nil {
		c.mu.Unlock()
		return err
	}
	for _, n := range names {
		c.byName[n] = k
	}
	c.children = append(c.children, k)
	if k.URI() == "" {
		c.derivedURI[k] = true
		if uri := c.URI(); uri != "" {
			k.SetURI(core.JoinKernelURI(uri, k.Name()))
		}
	}
	c.mu.Unlock()

	c.RegisterForDisposal(k.Subscribe(c.PublishEvent))

	for _, n := range names {
		if err := c.AddDirective(directive.KernelSelector(n, k.Name())); err != nil {
			return err
		}
	}

	c.logger.Debug("kernel added", "composite", c.Name(), "kernel", k.Name(), "uri", k.URI())

	return nil
}

// SetURI assigns the composite URI and re-derives the URIs of children that
// had no explicit one.
func (c *CompositeKernel) SetURI(uri string) {
	c.BaseKernel.SetURI(uri)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range c.children {
		if c.derivedURI[k] {
			k.SetURI(core.JoinKernelURI(uri, k.Name()))
		}
	}
}

// Children returns the child kernels in the order they were added.
func (c *CompositeKernel) Children() []Kernel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.children)
}

// FindKernel looks a kernel up by name or alias among the children, then
// among nested composites.
func (c *CompositeKernel) FindKernel(name string) (Kernel, bool) {
	c.mu.RLock()
	k, ok := c.byName[name]
	children := slices.Clone(c.children)
	c.mu.RUnlock()
	if ok {
		return k, true
	}

	for _, child := range children {
		if nested, isComposite := child.(*CompositeKernel); isComposite {
			if k, ok := nested.FindKernel(name); ok {
				return k, true
			}
		}
	}

	return nil, false
}

// FindKernelByURI looks a kernel up by its URI or, for proxies, the URI of
// the remote kernel it stands for.
func (c *CompositeKernel) FindKernelByURI(uri string) (Kernel, bool) {
	want, err := core.ParseKernelURI(uri)
	if err != nil {
		return nil, false
	}

	for _, child := range c.Children() {
		for _, candidate := range []string{child.URI(), child.KernelInfo().RemoteURI} {
			if candidate == "" {
				continue
			}
			if got, err := core.ParseKernelURI(candidate); err == nil && got == want {
				return child, true
			}
		}
		if nested, isComposite := child.(*CompositeKernel); isComposite {
			if k, ok := nested.FindKernelByURI(uri); ok {
				return k, true
			}
		}
	}

	return nil, false
}

// SetDefaultKernelName sets the child used when nothing else selects one.
func (c *CompositeKernel) SetDefaultKernelName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultKernelName = name
}

// DefaultKernelName returns the default child name, or "".
func (c *CompositeKernel) DefaultKernelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultKernelName
}

// ResolveHandler picks the kernel that handles cmd, in order: the target
// kernel name, the destination URI, the kernel chosen by a selector directive
// in ic, the only child, the default kernel. A composite without children
// handles commands itself.
func (c *CompositeKernel) ResolveHandler(cmd core.Command, ic *core.InvocationContext) (Kernel, error) {
	k, reason, err := c.resolve(cmd, ic)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordRoutingDecision(c.Name(), reason)
	if rl, ok := c.logger.(routingLogger); ok {
		rl.LogRouting(c.Name(), string(cmd.CommandType()), k.Name(), reason)
	}

	return k, nil
}

func (c *CompositeKernel) resolve(cmd core.Command, ic *core.InvocationContext) (Kernel, string, error) {
	if name := cmd.TargetKernelName(); name != "" {
		if c.answersTo(name) {
			return c, RouteTargetName, nil
		}
		if k, ok := c.FindKernel(name); ok {
			return k, RouteTargetName, nil
		}
		return nil, "", core.NoSuitableKernelError(cmd, fmt.Sprintf("no kernel named %q in %s", name, c.Name()))
	}

	if uri := cmd.DestinationURI(); uri != "" {
		if c.isOwnURI(uri) {
			return c, RouteDestinationURI, nil
		}
		if k, ok := c.FindKernelByURI(uri); ok {
			return k, RouteDestinationURI, nil
		}
		return nil, "", core.NoSuitableKernelError(cmd, fmt.Sprintf("no kernel at %s in %s", uri, c.Name()))
	}

	if ic != nil {
		if name := ic.HandlingKernelName(); name != "" && !c.answersTo(name) {
			if k, ok := c.FindKernel(name); ok {
				return k, RouteSelector, nil
			}
		}
	}

	children := c.Children()
	switch {
	case len(children) == 1:
		return children[0], RouteSingleChild, nil
	case len(children) == 0:
		return c, RouteSelf, nil
	}

	if name := c.DefaultKernelName(); name != "" {
		if k, ok := c.FindKernel(name); ok {
			return k, RouteDefaultKernel, nil
		}
	}

	return nil, "", core.NoSuitableKernelError(cmd, fmt.Sprintf("%d candidate kernels in %s and no default", len(children), c.Name()))
}

func (c *CompositeKernel) answersTo(name string) bool {
	return name == c.Name() || slices.Contains(c.aliases, name)
}

func (c *CompositeKernel) isOwnURI(uri string) bool {
	own := c.URI()
	if own == "" {
		return false
	}
	a, errA := core.ParseKernelURI(own)
	b, errB := core.ParseKernelURI(uri)
	return errA == nil && errB == nil && a == b
}

// handle is the composite's core handler.
func (c *CompositeKernel) handle(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
	if _, ok := cmd.(*core.RequestKernelInfo); ok && cmd.TargetKernelName() == "" &&
		(cmd.DestinationURI() == "" || c.isOwnURI(cmd.DestinationURI())) {
		ic.Publish(core.NewKernelInfoProduced(cmd, c.KernelInfo()))
		for _, child := range c.Children() {
			ic.Publish(core.NewKernelInfoProduced(cmd, child.KernelInfo()))
		}
		return nil
	}

	target, err := c.ResolveHandler(cmd, ic)
	if err != nil {
		return err
	}

	if target == Kernel(c) {
		return c.HandleCommand(ctx, cmd, ic)
	}

	_, err = target.Send(ctx, cmd)

	return err
}

// SupportedCommandTypes is the union of the composite's own command types and
// those of its children.
func (c *CompositeKernel) SupportedCommandTypes() []core.CommandType {
	types := c.BaseKernel.SupportedCommandTypes()
	for _, child := range c.Children() {
		for _, t := range child.SupportedCommandTypes() {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}
	slices.Sort(types)

	return types
}

// KernelInfo describes the composite.
func (c *CompositeKernel) KernelInfo() core.KernelInfo {
	info := c.BaseKernel.KernelInfo()
	info.IsComposite = true
	return info
}

// Dispose disposes every child, then the composite.
func (c *CompositeKernel) Dispose() error {
	for _, child := range c.Children() {
		if err := child.Dispose(); err != nil {
			c.logger.Warn("dispose child kernel", "kernel", child.Name(), "error", err)
		}
	}
	return c.BaseKernel.Dispose()
}
