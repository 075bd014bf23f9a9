package connection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kernelmesh/core"
)

func TestSerializer_CommandKeepsIdentityAndRouting(t *testing.T) {
	s := NewSerializer()

	cmd := core.NewSubmitCode("display(1)")
	cmd.SetTargetKernelName("python")
	cmd.SetDestinationURI("kernel://remote/python")
	cmd.SetOriginURI("kernel://local/")
	require.NoError(t, cmd.StampRoutingSlip("kernel://local/python"))

	env, err := s.EncodeCommand(cmd)
	require.NoError(t, err)
	assert.Equal(t, core.CommandTypeSubmitCode, env.CommandType)
	assert.JSONEq(t, `{"code":"display(1)"}`, string(env.Command))

	// Through actual JSON, as on a real connection.
	data, err := json.Marshal(NewCommandEnvelope(env))
	require.NoError(t, err)
	var wire Envelope
	require.NoError(t, json.Unmarshal(data, &wire))

	got, err := s.DecodeCommand(wire.Command)
	require.NoError(t, err)

	sub, ok := got.(*core.SubmitCode)
	require.True(t, ok)
	assert.Equal(t, "display(1)", sub.Code)
	assert.Equal(t, cmd.Token(), sub.Token())
	assert.Equal(t, cmd.ID(), sub.ID())
	assert.Equal(t, "python", sub.TargetKernelName())
	assert.Equal(t, "kernel://remote/python", sub.DestinationURI())
	assert.Equal(t, "kernel://local/", sub.OriginURI())
	assert.Equal(t, []string{"kernel://local/python"}, sub.RoutingSlip().URIs())
	assert.Equal(t, cmd.Token(), wire.Token())
}

func TestSerializer_Events(t *testing.T) {
	s := NewSerializer()
	cmd := core.NewSubmitCode("x")

	tests := []struct {
		name  string
		event core.Event
		check func(t *testing.T, ev core.Event)
	}{
		{
			name:  "command failed keeps the message",
			event: core.NewCommandFailed(cmd, nil, "division by zero"),
			check: func(t *testing.T, ev core.Event) {
				assert.Equal(t, "division by zero", ev.(*core.CommandFailed).Message)
			},
		},
		{
			name:  "standard output",
			event: core.NewStandardOutputValueProduced(cmd, "hello"),
			check: func(t *testing.T, ev core.Event) {
				assert.Equal(t, []core.FormattedValue{core.PlainText("hello")}, ev.(*core.StandardOutputValueProduced).FormattedValues)
			},
		},
		{
			name: "diagnostics",
			event: core.NewDiagnosticsProduced(cmd, []core.Diagnostic{{
				Severity: core.SeverityError,
				Code:     "CS0103",
				Message:  "name does not exist",
				Span:     core.LinePositionSpan{Start: core.LinePosition{Line: 1, Character: 2}},
			}}),
			check: func(t *testing.T, ev core.Event) {
				d := ev.(*core.DiagnosticsProduced).Diagnostics
				require.Len(t, d, 1)
				assert.Equal(t, "(2,3): error CS0103: name does not exist", d[0].String())
			},
		},
		{
			name:  "kernel info",
			event: core.NewKernelInfoProduced(cmd, core.KernelInfo{LocalName: "python", URI: "kernel://remote/python", SupportedCommands: []core.CommandType{core.CommandTypeSubmitCode}}),
			check: func(t *testing.T, ev core.Event) {
				info := ev.(*core.KernelInfoProduced).Info
				assert.Equal(t, "python", info.LocalName)
				assert.True(t, info.Supports(core.CommandTypeSubmitCode))
			},
		},
		{
			name:  "displayed value keeps its display id",
			event: core.NewDisplayedValueProduced(cmd, core.FormattedValue{MimeType: "text/html", Value: "<b>1</b>"}),
			check: func(t *testing.T, ev core.Event) {
				assert.NotEmpty(t, ev.(*core.DisplayedValueProduced).DisplayID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.event.StampRoutingSlip("kernel://remote/python"))

			env, err := s.EncodeEvent(tt.event)
			require.NoError(t, err)

			got, err := s.DecodeEvent(env)
			require.NoError(t, err)

			assert.Equal(t, tt.event.EventType(), got.EventType())
			assert.Equal(t, tt.event.ID(), got.ID())
			assert.True(t, tt.event.Timestamp().Equal(got.Timestamp()))
			assert.Equal(t, cmd.Token(), got.Command().Token())
			assert.Equal(t, []string{"kernel://remote/python"}, got.RoutingSlip().URIs())
			tt.check(t, got)
		})
	}
}

func TestSerializer_UnknownTypes(t *testing.T) {
	s := NewSerializer()

	_, err := s.EncodeCommand(core.NewAnonymousCommand("local only", nil))
	assert.ErrorIs(t, err, core.ErrUnknownCommandType)

	_, err = s.DecodeCommand(&CommandEnvelope{CommandType: "SendEditableCode"})
	assert.ErrorIs(t, err, core.ErrUnknownCommandType)

	_, err = s.DecodeEvent(&EventEnvelope{EventType: "CompletionsProduced"})
	assert.ErrorIs(t, err, core.ErrUnknownEventType)
}

func TestSerializer_EncodeEventAs(t *testing.T) {
	s := NewSerializer()
	root := core.NewSubmitCode("x")
	anon := core.NewAnonymousCommand("diagnostics", nil)
	anon.SetParent(root)

	ev := core.NewDiagnosticsProduced(anon, nil)

	_, err := s.EncodeEvent(ev)
	require.ErrorIs(t, err, core.ErrUnknownCommandType)

	env, err := s.EncodeEventAs(ev, root)
	require.NoError(t, err)
	assert.Equal(t, root.Token(), env.Command.Token)
}

func TestSerializer_RegisterCommand(t *testing.T) {
	s := NewSerializer()
	s.RegisterCommand(core.CommandTypeAnonymous, CommandCodec{
		Encode: func(cmd core.Command) (any, error) {
			return map[string]string{"label": cmd.(*core.AnonymousCommand).Label}, nil
		},
		Decode: func(data json.RawMessage) (core.Command, error) {
			var p map[string]string
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return core.NewAnonymousCommand(p["label"], nil), nil
		},
	})

	env, err := s.EncodeCommand(core.NewAnonymousCommand("ping", nil))
	require.NoError(t, err)

	got, err := s.DecodeCommand(env)
	require.NoError(t, err)
	assert.Equal(t, "ping", got.(*core.AnonymousCommand).Label)
}
