package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuitableKernel is returned when routing cannot pick a kernel for a command.
	ErrNoSuitableKernel = errors.New("no suitable kernel")

	// ErrDuplicateRoutingSlipEntry is returned when a URI would occur twice on a
	// routing slip.
	ErrDuplicateRoutingSlipEntry = errors.New("duplicate routing slip entry")

	// ErrUnhandledMiddleware wraps a panic recovered from a pipeline stage.
	ErrUnhandledMiddleware = errors.New("unhandled middleware exception")

	// ErrRemoteCommandFailed is matched by *RemoteCommandError.
	ErrRemoteCommandFailed = errors.New("remote command failed")

	// ErrKernelAlreadyOwned is returned when adding a kernel that already has a parent.
	ErrKernelAlreadyOwned = errors.New("kernel already belongs to a composite kernel")

	// ErrDuplicateKernelName is returned when a name or alias is already registered.
	ErrDuplicateKernelName = errors.New("kernel name or alias already registered")

	// ErrCommandNotSupported is returned when a kernel has no handler for a command type.
	ErrCommandNotSupported = errors.New("command not supported")

	// ErrKernelDisposed is returned by operations on a disposed kernel.
	ErrKernelDisposed = errors.New("kernel disposed")

	// ErrInvalidKernelURI is returned for malformed kernel URIs.
	ErrInvalidKernelURI = errors.New("invalid kernel uri")

	// ErrUnknownCommandType is returned when no decoder is registered for a command type.
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrUnknownEventType is returned when no decoder is registered for an event type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// ParseError reports diagnostics produced while parsing a submission.
type ParseError struct {
	Diagnostics []Diagnostic
}

// Error joins the error-severity diagnostics.
func (e *ParseError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			msgs = append(msgs, d.String())
		}
	}
	if len(msgs) == 0 {
		return "parse error"
	}
	return strings.Join(msgs, "\n")
}

// RemoteCommandError is a failure reported by a remote kernel host.
type RemoteCommandError struct {
	// RemoteURI is the destination the command was forwarded to.
	RemoteURI string
	// Message is the remote CommandFailed message.
	Message string
}

func (e *RemoteCommandError) Error() string {
	if e.RemoteURI == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (remote %s)", e.Message, e.RemoteURI)
}

// Unwrap lets errors.Is match ErrRemoteCommandFailed.
func (e *RemoteCommandError) Unwrap() error { return ErrRemoteCommandFailed }

// NoSuitableKernelError builds an ErrNoSuitableKernel error for cmd.
func NoSuitableKernelError(cmd Command, reason string) error {
	return fmt.Errorf("%w for %s (token %s): %s", ErrNoSuitableKernel, cmd.CommandType(), cmd.Token(), reason)
}
