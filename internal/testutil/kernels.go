package testutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/kernel"
)

// EchoKernel returns a kernel that prints "<prefix><code>" to standard
// output for every submission.
func EchoKernel(name, prefix string, optFns ...func(o *kernel.Options)) *kernel.BaseKernel {
	k := kernel.New(name, optFns...)
	k.RegisterCommandHandler(core.CommandTypeSubmitCode, func(ctx context.Context, cmd core.Command, _ *core.InvocationContext) error {
		_, err := fmt.Fprint(core.Stdout(ctx), prefix+cmd.(*core.SubmitCode).Code)
		return err
	})
	return k
}

// FailingKernel returns a kernel that fails every submission with msg.
func FailingKernel(name, msg string, optFns ...func(o *kernel.Options)) *kernel.BaseKernel {
	k := kernel.New(name, optFns...)
	k.RegisterCommandHandler(core.CommandTypeSubmitCode, func(context.Context, core.Command, *core.InvocationContext) error {
		return errors.New(msg)
	})
	return k
}

// EventTypes lists the types of evs in order.
func EventTypes(evs []core.Event) []core.EventType {
	types := make([]core.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.EventType())
	}
	return types
}
