package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// CommandType tags a command kind. It is the discriminator used on the wire
// (see connection.Serializer) and for handler registration on kernels.
type CommandType string

const (
	CommandTypeSubmitCode        CommandType = "SubmitCode"
	CommandTypeDirective         CommandType = "DirectiveCommand"
	CommandTypeRestore           CommandType = "RestorePackages"
	CommandTypeRequestKernelInfo CommandType = "RequestKernelInfo"
	CommandTypeAnonymous         CommandType = "AnonymousCommand"
)

// Command is an instruction routed to a kernel. Every command kind embeds
// CommandBase, which carries routing data (target name, destination URI),
// causal data (parent, token) and the routing slip.
type Command interface {
	CommandType() CommandType

	// Token correlates a command with the events it produces, including across
	// process boundaries. Child commands derive their token from the parent.
	Token() string
	ID() string

	Parent() Command
	SetParent(parent Command)

	TargetKernelName() string
	SetTargetKernelName(name string)
	DestinationURI() string
	SetDestinationURI(uri string)
	OriginURI() string
	SetOriginURI(uri string)

	RoutingSlip() RoutingSlip
	StampRoutingSlip(uri string) error
	AppendRoutingSlip(other RoutingSlip) error

	commandBase() *CommandBase
}

// CommandBase implements the envelope part of Command. The zero value is
// ready to use; tokens and IDs are generated lazily.
type CommandBase struct {
	mu               sync.Mutex
	token            string
	id               string
	parent           Command
	targetKernelName string
	destinationURI   string
	originURI        string
	slip             RoutingSlip
	childSeq         atomic.Uint64
}

func (c *CommandBase) commandBase() *CommandBase { return c }

// Token returns the correlation token, generating it on first use. A command
// with a parent gets "<parent token>.<n>".
func (c *CommandBase) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		if c.parent != nil {
			pb := c.parent.commandBase()
			c.token = fmt.Sprintf("%s.%d", c.parent.Token(), pb.childSeq.Add(1))
		} else {
			c.token = NewToken()
		}
	}

	return c.token
}

// SetToken overrides the token. Used when rehydrating a command received from
// a remote host so events correlate with the sender's command.
func (c *CommandBase) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ID returns a unique identifier of this command instance.
func (c *CommandBase) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id == "" {
		c.id = NewID()
	}

	return c.id
}

// SetID overrides the command ID (wire rehydration).
func (c *CommandBase) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Parent returns the command during whose handling this command was spawned.
func (c *CommandBase) Parent() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// SetParent records the causal parent. The first parent wins; a command can
// not become its own ancestor.
func (c *CommandBase) SetParent(parent Command) {
	for p := parent; p != nil; p = p.Parent() {
		if p.commandBase() == c {
			return
		}
	}
	if parent == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.parent == nil {
		c.parent = parent
	}
}

func (c *CommandBase) TargetKernelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetKernelName
}

func (c *CommandBase) SetTargetKernelName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetKernelName = name
}

func (c *CommandBase) DestinationURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destinationURI
}

func (c *CommandBase) SetDestinationURI(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destinationURI = uri
}

func (c *CommandBase) OriginURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originURI
}

func (c *CommandBase) SetOriginURI(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originURI = uri
}

// RoutingSlip returns the current slip value.
func (c *CommandBase) RoutingSlip() RoutingSlip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slip
}

// StampRoutingSlip appends uri to the slip. It fails with
// ErrDuplicateRoutingSlipEntry when uri was already stamped.
func (c *CommandBase) StampRoutingSlip(uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.slip.Stamp(uri)
	if err != nil {
		return err
	}
	c.slip = next

	return nil
}

// AppendRoutingSlip continues the slip with other (see RoutingSlip.Append).
func (c *CommandBase) AppendRoutingSlip(other RoutingSlip) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.slip.Append(other)
	if err != nil {
		return err
	}
	c.slip = next

	return nil
}

// SubmitCode submits raw text, possibly mixing directives and code.
type SubmitCode struct {
	CommandBase
	Code string
}

// NewSubmitCode creates a SubmitCode command for code.
func NewSubmitCode(code string) *SubmitCode { return &SubmitCode{Code: code} }

func (*SubmitCode) CommandType() CommandType { return CommandTypeSubmitCode }

// DirectiveCommand is one parsed directive line of a submission.
type DirectiveCommand struct {
	CommandBase
	Name    string
	Args    []string
	Options map[string]string
	RawText string
}

func (*DirectiveCommand) CommandType() CommandType { return CommandTypeDirective }

// Option returns a named option value.
func (d *DirectiveCommand) Option(name string) (string, bool) {
	v, ok := d.Options[name]
	return v, ok
}

// RestoreCommand asks a kernel to resolve the package references collected so
// far. The submission splitter inserts it after hoisted package directives.
type RestoreCommand struct {
	CommandBase
}

// NewRestoreCommand creates a RestoreCommand.
func NewRestoreCommand() *RestoreCommand { return &RestoreCommand{} }

func (*RestoreCommand) CommandType() CommandType { return CommandTypeRestore }

// RequestKernelInfo asks a kernel to describe itself with KernelInfoProduced.
type RequestKernelInfo struct {
	CommandBase
}

// NewRequestKernelInfo creates a RequestKernelInfo command.
func NewRequestKernelInfo() *RequestKernelInfo { return &RequestKernelInfo{} }

func (*RequestKernelInfo) CommandType() CommandType { return CommandTypeRequestKernelInfo }

// AnonymousHandler is the body of an AnonymousCommand.
type AnonymousHandler func(ctx context.Context, cmd *AnonymousCommand, ic *InvocationContext) error

// AnonymousCommand carries its own handler. It never crosses a process
// boundary.
type AnonymousCommand struct {
	CommandBase
	Label   string
	Handler AnonymousHandler
}

// NewAnonymousCommand creates an AnonymousCommand.
func NewAnonymousCommand(label string, handler AnonymousHandler) *AnonymousCommand {
	return &AnonymousCommand{Label: label, Handler: handler}
}

func (*AnonymousCommand) CommandType() CommandType { return CommandTypeAnonymous }

// IsSelfOrDescendant reports whether cmd is ancestor or was spawned (directly
// or transitively) while handling ancestor.
func IsSelfOrDescendant(cmd, ancestor Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == ancestor {
			return true
		}
	}
	return false
}

// NewToken generates a root command token.
func NewToken() string { return uuid.NewString() }

// NewID generates a new unique identifier for commands and events.
func NewID() string { return uuid.NewString() }
