package core

// KernelCommandResult is what Send returns: the command plus every event its
// invocation context delivered, in publish order, ending with the terminal
// event.
type KernelCommandResult struct {
	Command Command
	Events  []Event
}

// Terminal returns the last terminal event for the root command, if any.
func (r *KernelCommandResult) Terminal() Event {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if IsTerminal(r.Events[i]) && r.Events[i].Command() == r.Command {
			return r.Events[i]
		}
	}
	return nil
}

// Failed returns the root command's failure event, or nil if it succeeded.
func (r *KernelCommandResult) Failed() *CommandFailed {
	if f, ok := r.Terminal().(*CommandFailed); ok {
		return f
	}
	return nil
}

// EventsOfType filters Events by type.
func (r *KernelCommandResult) EventsOfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}
