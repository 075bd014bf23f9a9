package host

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/kernel"
)

// ProxyKernel stands in for a kernel on another host. Commands it cannot
// handle locally are forwarded over its connection; the events coming back
// are published under the local command.
type ProxyKernel struct {
	*kernel.BaseKernel

	remoteURI string
	conn      *Connection

	infoMu     sync.RWMutex
	remoteInfo *core.KernelInfo
}

// NewProxyKernel creates a proxy for the kernel at remoteURI. It is usually
// created through KernelHost.ConnectProxyKernel.
func NewProxyKernel(name, remoteURI string, conn *Connection, optFns ...func(o *kernel.Options)) *ProxyKernel {
	p := &ProxyKernel{
		BaseKernel: &kernel.BaseKernel{},
		remoteURI:  remoteURI,
		conn:       conn,
	}
	p.Init(p, name, optFns...)
	p.SetDispatch(p.forward)

	return p
}

// RemoteURI returns the URI of the remote kernel.
func (p *ProxyKernel) RemoteURI() string { return p.remoteURI }

// Connection returns the connection the proxy forwards over.
func (p *ProxyKernel) Connection() *Connection { return p.conn }

// SetRemoteInfo records what the remote kernel reported about itself.
func (p *ProxyKernel) SetRemoteInfo(info core.KernelInfo) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	p.remoteInfo = &info
}

// SupportedCommandTypes is what the remote kernel reported, or every command
// type that can cross the connection before that.
func (p *ProxyKernel) SupportedCommandTypes() []core.CommandType {
	types := p.BaseKernel.SupportedCommandTypes()

	p.infoMu.RLock()
	remote := p.conn.serializer.CommandTypes()
	if p.remoteInfo != nil {
		remote = p.remoteInfo.SupportedCommands
	}
	p.infoMu.RUnlock()

	for _, t := range remote {
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	slices.Sort(types)

	return types
}

// KernelInfo describes the proxy.
func (p *ProxyKernel) KernelInfo() core.KernelInfo {
	info := p.BaseKernel.KernelInfo()
	info.IsProxy = true
	info.RemoteURI = p.remoteURI
	return info
}

// forward is the proxy's core handler.
func (p *ProxyKernel) forward(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
	switch cmd.(type) {
	case *core.AnonymousCommand, *core.DirectiveCommand:
		return p.HandleCommand(ctx, cmd, ic)
	}

	// Stamped before leaving so a command coming back through a cycle of
	// proxies fails here instead of circling.
	if uri := p.URI(); uri != "" {
		if err := cmd.StampRoutingSlip(uri); err != nil {
			if errors.Is(err, core.ErrDuplicateRoutingSlipEntry) {
				p.Metrics().RecordRoutingSlipRejection(uri)
			}
			return err
		}
	}

	env, err := p.conn.serializer.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	env.DestinationURI = p.remoteURI
	env.TargetKernelName = ""
	if env.OriginURI == "" {
		env.OriginURI = p.URI()
	}

	p.Logger().Debug("forwarding command", "kernel", p.Name(), "command_type", cmd.CommandType(), "token", cmd.Token(), "remote_uri", p.remoteURI)

	return p.conn.forward(ctx, env, func(ev core.Event) (bool, error) {
		return p.republish(ev, cmd, ic)
	})
}

// republish publishes a remote event under cmd. The remote terminal event of
// cmd ends the forward; terminal events of commands the remote side spawned
// are not republished, since locally they would end cmd.
func (p *ProxyKernel) republish(ev core.Event, cmd core.Command, ic *core.InvocationContext) (bool, error) {
	remoteCmd := ev.Command()
	own := remoteCmd == nil || remoteCmd.Token() == cmd.Token()

	if core.IsTerminal(ev) {
		if !own {
			return false, nil
		}

		if remoteCmd != nil {
			if err := cmd.AppendRoutingSlip(remoteCmd.RoutingSlip()); err != nil {
				return true, err
			}
		}

		if failed, ok := ev.(*core.CommandFailed); ok {
			return true, &core.RemoteCommandError{RemoteURI: p.remoteURI, Message: failed.Message}
		}

		return true, nil
	}

	if _, ok := ev.(*core.CodeSubmissionReceived); ok && own {
		// Already acknowledged on this side.
		return false, nil
	}

	if uri := p.URI(); uri != "" {
		if err := ev.StampRoutingSlip(uri); err != nil {
			p.Logger().Debug("dropping remote event", "kernel", p.Name(), "event_type", ev.EventType(), "error", err)
			return false, nil
		}
	}

	core.BindEventCommand(ev, cmd)
	ic.Publish(ev)

	return false, nil
}
