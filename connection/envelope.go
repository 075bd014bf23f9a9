package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/kernelmesh/core"
)

// Kind discriminates the payload of an Envelope.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Envelope is the unit exchanged over a Transport. Exactly one of Command and
// Event is set, matching Kind.
type Envelope struct {
	Kind    Kind             `json:"kind"`
	Command *CommandEnvelope `json:"command,omitempty"`
	Event   *EventEnvelope   `json:"event,omitempty"`
}

// CommandEnvelope is the wire form of a command.
type CommandEnvelope struct {
	Token            string           `json:"token"`
	ID               string           `json:"id,omitempty"`
	CommandType      core.CommandType `json:"commandType"`
	Command          json.RawMessage  `json:"command"`
	TargetKernelName string           `json:"targetKernelName,omitempty"`
	DestinationURI   string           `json:"destinationUri,omitempty"`
	OriginURI        string           `json:"originUri,omitempty"`
	RoutingSlip      []string         `json:"routingSlip,omitempty"`
}

// EventEnvelope is the wire form of an event. Command is the command the event
// belongs to, if any.
type EventEnvelope struct {
	ID          string           `json:"id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	EventType   core.EventType   `json:"eventType"`
	Event       json.RawMessage  `json:"event"`
	Command     *CommandEnvelope `json:"command,omitempty"`
	RoutingSlip []string         `json:"routingSlip,omitempty"`
}

// NewCommandEnvelope wraps env.
func NewCommandEnvelope(env *CommandEnvelope) Envelope {
	return Envelope{Kind: KindCommand, Command: env}
}

// NewEventEnvelope wraps env.
func NewEventEnvelope(env *EventEnvelope) Envelope {
	return Envelope{Kind: KindEvent, Event: env}
}

// Token returns the correlation token of the command the envelope carries or
// refers to.
func (e Envelope) Token() string {
	switch {
	case e.Command != nil:
		return e.Command.Token
	case e.Event != nil && e.Event.Command != nil:
		return e.Event.Command.Token
	default:
		return ""
	}
}

// Validate checks that the envelope is well formed.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindCommand:
		if e.Command == nil || e.Command.CommandType == "" {
			return fmt.Errorf("invalid envelope: command envelope without command")
		}
	case KindEvent:
		if e.Event == nil || e.Event.EventType == "" {
			return fmt.Errorf("invalid envelope: event envelope without event")
		}
	default:
		return fmt.Errorf("invalid envelope: unknown kind %q", e.Kind)
	}
	return nil
}
