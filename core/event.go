package core

import (
	"sync"
	"time"
)

// EventType tags an event kind on the wire and in subscriber switches.
type EventType string

const (
	EventTypeCommandSucceeded            EventType = "CommandSucceeded"
	EventTypeCommandFailed               EventType = "CommandFailed"
	EventTypeStandardOutputValueProduced EventType = "StandardOutputValueProduced"
	EventTypeStandardErrorValueProduced  EventType = "StandardErrorValueProduced"
	EventTypeDisplayedValueProduced      EventType = "DisplayedValueProduced"
	EventTypeReturnValueProduced         EventType = "ReturnValueProduced"
	EventTypeDiagnosticsProduced         EventType = "DiagnosticsProduced"
	EventTypeKernelInfoProduced          EventType = "KernelInfoProduced"
	EventTypeCodeSubmissionReceived      EventType = "CodeSubmissionReceived"
	EventTypePackageAdded                EventType = "PackageAdded"
)

// Event is something a kernel reports while handling a command. Events are
// tagged with their triggering command, which may be nil for context-wide
// events, and carry their own routing slip.
type Event interface {
	EventType() EventType
	Command() Command
	ID() string
	Timestamp() time.Time

	RoutingSlip() RoutingSlip
	StampRoutingSlip(uri string) error
	AppendRoutingSlip(other RoutingSlip) error

	eventBase() *EventBase
}

// EventBase implements the envelope part of Event.
type EventBase struct {
	mu        sync.Mutex
	command   Command
	id        string
	timestamp time.Time
	slip      RoutingSlip
}

func newEventBase(cmd Command) EventBase {
	return EventBase{command: cmd, id: NewID(), timestamp: time.Now().UTC()}
}

func (e *EventBase) eventBase() *EventBase { return e }

// Command returns the command that caused this event.
func (e *EventBase) Command() Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.command
}

// BindCommand replaces the triggering command. A proxy uses it to republish a
// remote event under the local caller's command.
func (e *EventBase) BindCommand(cmd Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.command = cmd
}

func (e *EventBase) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id == "" {
		e.id = NewID()
	}
	return e.id
}

// SetID overrides the event ID (wire rehydration).
func (e *EventBase) SetID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.id = id
}

func (e *EventBase) Timestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timestamp
}

// SetTimestamp overrides the creation time (wire rehydration).
func (e *EventBase) SetTimestamp(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timestamp = ts
}

func (e *EventBase) RoutingSlip() RoutingSlip {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slip
}

func (e *EventBase) StampRoutingSlip(uri string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.slip.Stamp(uri)
	if err != nil {
		return err
	}
	e.slip = next

	return nil
}

func (e *EventBase) AppendRoutingSlip(other RoutingSlip) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.slip.Append(other)
	if err != nil {
		return err
	}
	e.slip = next

	return nil
}

// BindEventCommand rebinds ev to cmd. See EventBase.BindCommand.
func BindEventCommand(ev Event, cmd Command) { ev.eventBase().BindCommand(cmd) }

// CommandSucceeded is the terminal event of a command that completed.
type CommandSucceeded struct {
	EventBase
}

// NewCommandSucceeded creates a CommandSucceeded event for cmd.
func NewCommandSucceeded(cmd Command) *CommandSucceeded {
	return &CommandSucceeded{EventBase: newEventBase(cmd)}
}

func (*CommandSucceeded) EventType() EventType { return EventTypeCommandSucceeded }

// CommandFailed is the terminal event of a command that failed. Err is only
// set locally; across the wire only Message survives.
type CommandFailed struct {
	EventBase
	Message string
	Err     error
}

// NewCommandFailed creates a CommandFailed event. An empty message falls back
// to err's text.
func NewCommandFailed(cmd Command, err error, message string) *CommandFailed {
	if message == "" && err != nil {
		message = err.Error()
	}
	if message == "" {
		message = "command failed"
	}
	return &CommandFailed{EventBase: newEventBase(cmd), Message: message, Err: err}
}

func (*CommandFailed) EventType() EventType { return EventTypeCommandFailed }

// FormattedValue is a value rendered for one MIME type.
type FormattedValue struct {
	MimeType string `json:"mimeType"`
	Value    string `json:"value"`
}

// PlainText formats s as text/plain.
func PlainText(s string) FormattedValue { return FormattedValue{MimeType: "text/plain", Value: s} }

// StandardOutputValueProduced carries text written to stdout while handling a command.
type StandardOutputValueProduced struct {
	EventBase
	FormattedValues []FormattedValue
}

// NewStandardOutputValueProduced creates a stdout event for cmd.
func NewStandardOutputValueProduced(cmd Command, text string) *StandardOutputValueProduced {
	return &StandardOutputValueProduced{EventBase: newEventBase(cmd), FormattedValues: []FormattedValue{PlainText(text)}}
}

func (*StandardOutputValueProduced) EventType() EventType {
	return EventTypeStandardOutputValueProduced
}

// StandardErrorValueProduced carries text written to stderr while handling a command.
type StandardErrorValueProduced struct {
	EventBase
	FormattedValues []FormattedValue
}

// NewStandardErrorValueProduced creates a stderr event for cmd.
func NewStandardErrorValueProduced(cmd Command, text string) *StandardErrorValueProduced {
	return &StandardErrorValueProduced{EventBase: newEventBase(cmd), FormattedValues: []FormattedValue{PlainText(text)}}
}

func (*StandardErrorValueProduced) EventType() EventType { return EventTypeStandardErrorValueProduced }

// DisplayedValueProduced carries a value to display.
type DisplayedValueProduced struct {
	EventBase
	FormattedValues []FormattedValue
	DisplayID       string
}

// NewDisplayedValueProduced creates a display event for cmd.
func NewDisplayedValueProduced(cmd Command, values ...FormattedValue) *DisplayedValueProduced {
	return &DisplayedValueProduced{EventBase: newEventBase(cmd), FormattedValues: values, DisplayID: NewID()}
}

func (*DisplayedValueProduced) EventType() EventType { return EventTypeDisplayedValueProduced }

// ReturnValueProduced carries the value of the last expression of a submission.
type ReturnValueProduced struct {
	EventBase
	FormattedValues []FormattedValue
}

// NewReturnValueProduced creates a return value event for cmd.
func NewReturnValueProduced(cmd Command, values ...FormattedValue) *ReturnValueProduced {
	return &ReturnValueProduced{EventBase: newEventBase(cmd), FormattedValues: values}
}

func (*ReturnValueProduced) EventType() EventType { return EventTypeReturnValueProduced }

// DiagnosticsProduced carries diagnostics for a command.
type DiagnosticsProduced struct {
	EventBase
	Diagnostics []Diagnostic
}

// NewDiagnosticsProduced creates a diagnostics event for cmd.
func NewDiagnosticsProduced(cmd Command, diags []Diagnostic) *DiagnosticsProduced {
	return &DiagnosticsProduced{EventBase: newEventBase(cmd), Diagnostics: diags}
}

func (*DiagnosticsProduced) EventType() EventType { return EventTypeDiagnosticsProduced }

// KernelInfoProduced answers RequestKernelInfo.
type KernelInfoProduced struct {
	EventBase
	Info KernelInfo
}

// NewKernelInfoProduced creates a kernel info event for cmd.
func NewKernelInfoProduced(cmd Command, info KernelInfo) *KernelInfoProduced {
	return &KernelInfoProduced{EventBase: newEventBase(cmd), Info: info}
}

func (*KernelInfoProduced) EventType() EventType { return EventTypeKernelInfoProduced }

// CodeSubmissionReceived acknowledges a SubmitCode before it is handled.
type CodeSubmissionReceived struct {
	EventBase
	Code string
}

// NewCodeSubmissionReceived creates an acknowledgement event for cmd.
func NewCodeSubmissionReceived(cmd *SubmitCode) *CodeSubmissionReceived {
	return &CodeSubmissionReceived{EventBase: newEventBase(cmd), Code: cmd.Code}
}

func (*CodeSubmissionReceived) EventType() EventType { return EventTypeCodeSubmissionReceived }

// PackageReference names a package requested with a package directive.
type PackageReference struct {
	Name    string `json:"packageName"`
	Version string `json:"packageVersion,omitempty"`
}

// PackageAdded reports a package made available by a restore.
type PackageAdded struct {
	EventBase
	Package PackageReference
}

// NewPackageAdded creates a PackageAdded event for cmd.
func NewPackageAdded(cmd Command, ref PackageReference) *PackageAdded {
	return &PackageAdded{EventBase: newEventBase(cmd), Package: ref}
}

func (*PackageAdded) EventType() EventType { return EventTypePackageAdded }

// IsTerminal reports whether ev ends its command.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case *CommandSucceeded, *CommandFailed:
		return true
	default:
		return false
	}
}

// EventCommandToken returns the token of ev's command, or "" for context-wide events.
func EventCommandToken(ev Event) string {
	if cmd := ev.Command(); cmd != nil {
		return cmd.Token()
	}
	return ""
}
