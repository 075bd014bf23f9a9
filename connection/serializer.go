package connection

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/kernelmesh/core"
)

// CommandCodec converts the type-specific part of one command type. Routing
// fields, token, ID and routing slip are handled by the Serializer.
type CommandCodec struct {
	Encode func(cmd core.Command) (any, error)
	Decode func(data json.RawMessage) (core.Command, error)
}

// EventCodec converts the type-specific part of one event type. Decode binds
// the event to cmd, which may be nil.
type EventCodec struct {
	Encode func(ev core.Event) (any, error)
	Decode func(data json.RawMessage, cmd core.Command) (core.Event, error)
}

// Serializer maps commands and events to envelopes by their type tag.
// Commands and events without a registered codec cannot cross a connection.
type Serializer struct {
	mu       sync.RWMutex
	commands map[core.CommandType]CommandCodec
	events   map[core.EventType]EventCodec
}

// NewSerializer returns a serializer knowing every built-in command and event
// type except AnonymousCommand, which never leaves its process.
func NewSerializer() *Serializer {
	s := &Serializer{
		commands: make(map[core.CommandType]CommandCodec),
		events:   make(map[core.EventType]EventCodec),
	}
	registerBuiltins(s)
	return s
}

// RegisterCommand adds or replaces the codec of command type t.
func (s *Serializer) RegisterCommand(t core.CommandType, codec CommandCodec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[t] = codec
}

// RegisterEvent adds or replaces the codec of event type t.
func (s *Serializer) RegisterEvent(t core.EventType, codec EventCodec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[t] = codec
}

// CommandTypes lists the command types that can cross a connection.
func (s *Serializer) CommandTypes() []core.CommandType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]core.CommandType, 0, len(s.commands))
	for t := range s.commands {
		types = append(types, t)
	}
	slices.Sort(types)

	return types
}

func (s *Serializer) commandCodec(t core.CommandType) (CommandCodec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codec, ok := s.commands[t]
	if !ok {
		return CommandCodec{}, fmt.Errorf("%w: %s", core.ErrUnknownCommandType, t)
	}
	return codec, nil
}

func (s *Serializer) eventCodec(t core.EventType) (EventCodec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codec, ok := s.events[t]
	if !ok {
		return EventCodec{}, fmt.Errorf("%w: %s", core.ErrUnknownEventType, t)
	}
	return codec, nil
}

// EncodeCommand builds the envelope of cmd.
func (s *Serializer) EncodeCommand(cmd core.Command) (*CommandEnvelope, error) {
	codec, err := s.commandCodec(cmd.CommandType())
	if err != nil {
		return nil, err
	}

	payload, err := codec.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", cmd.CommandType(), err)
	}

	return &CommandEnvelope{
		Token:            cmd.Token(),
		ID:               cmd.ID(),
		CommandType:      cmd.CommandType(),
		Command:          data,
		TargetKernelName: cmd.TargetKernelName(),
		DestinationURI:   cmd.DestinationURI(),
		OriginURI:        cmd.OriginURI(),
		RoutingSlip:      cmd.RoutingSlip().URIs(),
	}, nil
}

type identityOverrides interface {
	SetToken(token string)
	SetID(id string)
}

// DecodeCommand rebuilds a command from env. The command keeps the sender's
// token so the events it produces correlate on the sender's side.
func (s *Serializer) DecodeCommand(env *CommandEnvelope) (core.Command, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty command envelope", core.ErrUnknownCommandType)
	}

	codec, err := s.commandCodec(env.CommandType)
	if err != nil {
		return nil, err
	}

	cmd, err := codec.Decode(env.Command)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.CommandType, err)
	}

	if o, ok := cmd.(identityOverrides); ok {
		if env.Token != "" {
			o.SetToken(env.Token)
		}
		if env.ID != "" {
			o.SetID(env.ID)
		}
	}
	cmd.SetTargetKernelName(env.TargetKernelName)
	cmd.SetDestinationURI(env.DestinationURI)
	cmd.SetOriginURI(env.OriginURI)

	if len(env.RoutingSlip) > 0 {
		slip, err := core.NewRoutingSlip(env.RoutingSlip...)
		if err != nil {
			return nil, err
		}
		if err := cmd.AppendRoutingSlip(slip); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

// EncodeEvent builds the envelope of ev, including its command.
func (s *Serializer) EncodeEvent(ev core.Event) (*EventEnvelope, error) {
	return s.EncodeEventAs(ev, ev.Command())
}

// EncodeEventAs builds the envelope of ev as if it belonged to cmd. Hosts use
// it for events of commands that cannot cross a connection themselves.
func (s *Serializer) EncodeEventAs(ev core.Event, cmd core.Command) (*EventEnvelope, error) {
	codec, err := s.eventCodec(ev.EventType())
	if err != nil {
		return nil, err
	}

	payload, err := codec.Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}

	env := &EventEnvelope{
		ID:          ev.ID(),
		Timestamp:   ev.Timestamp(),
		EventType:   ev.EventType(),
		Event:       data,
		RoutingSlip: ev.RoutingSlip().URIs(),
	}

	if cmd != nil {
		cmdEnv, err := s.EncodeCommand(cmd)
		if err != nil {
			return nil, err
		}
		env.Command = cmdEnv
	}

	return env, nil
}

type eventOverrides interface {
	SetID(id string)
	SetTimestamp(ts time.Time)
}

// DecodeEvent rebuilds an event and, if present, its command.
func (s *Serializer) DecodeEvent(env *EventEnvelope) (core.Event, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty event envelope", core.ErrUnknownEventType)
	}

	codec, err := s.eventCodec(env.EventType)
	if err != nil {
		return nil, err
	}

	var cmd core.Command
	if env.Command != nil {
		if cmd, err = s.DecodeCommand(env.Command); err != nil {
			return nil, err
		}
	}

	ev, err := codec.Decode(env.Event, cmd)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
	}

	if o, ok := ev.(eventOverrides); ok {
		if env.ID != "" {
			o.SetID(env.ID)
		}
		if !env.Timestamp.IsZero() {
			o.SetTimestamp(env.Timestamp)
		}
	}

	if len(env.RoutingSlip) > 0 {
		slip, err := core.NewRoutingSlip(env.RoutingSlip...)
		if err != nil {
			return nil, err
		}
		if err := ev.AppendRoutingSlip(slip); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

// Encode wraps a command or an event in an Envelope.
func (s *Serializer) Encode(v any) (Envelope, error) {
	switch x := v.(type) {
	case core.Command:
		env, err := s.EncodeCommand(x)
		if err != nil {
			return Envelope{}, err
		}
		return NewCommandEnvelope(env), nil
	case core.Event:
		env, err := s.EncodeEvent(x)
		if err != nil {
			return Envelope{}, err
		}
		return NewEventEnvelope(env), nil
	default:
		return Envelope{}, fmt.Errorf("cannot encode %T", v)
	}
}
