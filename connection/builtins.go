package connection

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/kernelmesh/core"
)

type submitCodePayload struct {
	Code string `json:"code"`
}

type directivePayload struct {
	Name    string            `json:"name"`
	Args    []string          `json:"args,omitempty"`
	Options map[string]string `json:"options,omitempty"`
	RawText string            `json:"rawText,omitempty"`
}

type commandFailedPayload struct {
	Message string `json:"message"`
}

type formattedValuesPayload struct {
	FormattedValues []core.FormattedValue `json:"formattedValues"`
	DisplayID       string                `json:"displayId,omitempty"`
}

type diagnosticsPayload struct {
	Diagnostics []core.Diagnostic `json:"diagnostics"`
}

type kernelInfoPayload struct {
	KernelInfo core.KernelInfo `json:"kernelInfo"`
}

type codeSubmissionPayload struct {
	Code string `json:"code"`
}

type packagePayload struct {
	PackageReference core.PackageReference `json:"packageReference"`
}

type emptyPayload struct{}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func as[T any](v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected type %T", v)
	}
	return t, nil
}

func registerBuiltins(s *Serializer) {
	s.RegisterCommand(core.CommandTypeSubmitCode, CommandCodec{
		Encode: func(cmd core.Command) (any, error) {
			c, err := as[*core.SubmitCode](cmd)
			if err != nil {
				return nil, err
			}
			return submitCodePayload{Code: c.Code}, nil
		},
		Decode: func(data json.RawMessage) (core.Command, error) {
			p, err := decode[submitCodePayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewSubmitCode(p.Code), nil
		},
	})

	s.RegisterCommand(core.CommandTypeDirective, CommandCodec{
		Encode: func(cmd core.Command) (any, error) {
			c, err := as[*core.DirectiveCommand](cmd)
			if err != nil {
				return nil, err
			}
			return directivePayload{Name: c.Name, Args: c.Args, Options: c.Options, RawText: c.RawText}, nil
		},
		Decode: func(data json.RawMessage) (core.Command, error) {
			p, err := decode[directivePayload](data)
			if err != nil {
				return nil, err
			}
			return &core.DirectiveCommand{Name: p.Name, Args: p.Args, Options: p.Options, RawText: p.RawText}, nil
		},
	})

	s.RegisterCommand(core.CommandTypeRestore, CommandCodec{
		Encode: func(core.Command) (any, error) { return emptyPayload{}, nil },
		Decode: func(json.RawMessage) (core.Command, error) { return core.NewRestoreCommand(), nil },
	})

	s.RegisterCommand(core.CommandTypeRequestKernelInfo, CommandCodec{
		Encode: func(core.Command) (any, error) { return emptyPayload{}, nil },
		Decode: func(json.RawMessage) (core.Command, error) { return core.NewRequestKernelInfo(), nil },
	})

	s.RegisterEvent(core.EventTypeCommandSucceeded, EventCodec{
		Encode: func(core.Event) (any, error) { return emptyPayload{}, nil },
		Decode: func(_ json.RawMessage, cmd core.Command) (core.Event, error) {
			return core.NewCommandSucceeded(cmd), nil
		},
	})

	s.RegisterEvent(core.EventTypeCommandFailed, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.CommandFailed](ev)
			if err != nil {
				return nil, err
			}
			return commandFailedPayload{Message: e.Message}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[commandFailedPayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewCommandFailed(cmd, nil, p.Message), nil
		},
	})

	s.RegisterEvent(core.EventTypeStandardOutputValueProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.StandardOutputValueProduced](ev)
			if err != nil {
				return nil, err
			}
			return formattedValuesPayload{FormattedValues: e.FormattedValues}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[formattedValuesPayload](data)
			if err != nil {
				return nil, err
			}
			ev := core.NewStandardOutputValueProduced(cmd, "")
			ev.FormattedValues = p.FormattedValues
			return ev, nil
		},
	})

	s.RegisterEvent(core.EventTypeStandardErrorValueProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.StandardErrorValueProduced](ev)
			if err != nil {
				return nil, err
			}
			return formattedValuesPayload{FormattedValues: e.FormattedValues}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[formattedValuesPayload](data)
			if err != nil {
				return nil, err
			}
			ev := core.NewStandardErrorValueProduced(cmd, "")
			ev.FormattedValues = p.FormattedValues
			return ev, nil
		},
	})

	s.RegisterEvent(core.EventTypeDisplayedValueProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.DisplayedValueProduced](ev)
			if err != nil {
				return nil, err
			}
			return formattedValuesPayload{FormattedValues: e.FormattedValues, DisplayID: e.DisplayID}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[formattedValuesPayload](data)
			if err != nil {
				return nil, err
			}
			ev := core.NewDisplayedValueProduced(cmd, p.FormattedValues...)
			if p.DisplayID != "" {
				ev.DisplayID = p.DisplayID
			}
			return ev, nil
		},
	})

	s.RegisterEvent(core.EventTypeReturnValueProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.ReturnValueProduced](ev)
			if err != nil {
				return nil, err
			}
			return formattedValuesPayload{FormattedValues: e.FormattedValues}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[formattedValuesPayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewReturnValueProduced(cmd, p.FormattedValues...), nil
		},
	})

	s.RegisterEvent(core.EventTypeDiagnosticsProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.DiagnosticsProduced](ev)
			if err != nil {
				return nil, err
			}
			return diagnosticsPayload{Diagnostics: e.Diagnostics}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[diagnosticsPayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewDiagnosticsProduced(cmd, p.Diagnostics), nil
		},
	})

	s.RegisterEvent(core.EventTypeKernelInfoProduced, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.KernelInfoProduced](ev)
			if err != nil {
				return nil, err
			}
			return kernelInfoPayload{KernelInfo: e.Info}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[kernelInfoPayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewKernelInfoProduced(cmd, p.KernelInfo), nil
		},
	})

	s.RegisterEvent(core.EventTypeCodeSubmissionReceived, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.CodeSubmissionReceived](ev)
			if err != nil {
				return nil, err
			}
			return codeSubmissionPayload{Code: e.Code}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[codeSubmissionPayload](data)
			if err != nil {
				return nil, err
			}
			ev := &core.CodeSubmissionReceived{Code: p.Code}
			ev.BindCommand(cmd)
			return ev, nil
		},
	})

	s.RegisterEvent(core.EventTypePackageAdded, EventCodec{
		Encode: func(ev core.Event) (any, error) {
			e, err := as[*core.PackageAdded](ev)
			if err != nil {
				return nil, err
			}
			return packagePayload{PackageReference: e.Package}, nil
		},
		Decode: func(data json.RawMessage, cmd core.Command) (core.Event, error) {
			p, err := decode[packagePayload](data)
			if err != nil {
				return nil, err
			}
			return core.NewPackageAdded(cmd, p.PackageReference), nil
		},
	})
}
