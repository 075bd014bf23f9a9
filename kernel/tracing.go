package kernel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/kernelmesh/core"
)

// TracingMiddleware starts one span named "kernel.<command type>" per command.
// Failed commands record the error and set the span status.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, cmd core.Command, ic *core.InvocationContext, next HandlerFunc) error {
		attrs := []attribute.KeyValue{
			attribute.String("kernelmesh.command.type", string(cmd.CommandType())),
			attribute.String("kernelmesh.command.token", cmd.Token()),
			attribute.Bool("kernelmesh.command.root", cmd == ic.Command()),
		}
		if name := ic.CurrentKernelName(); name != "" {
			attrs = append(attrs, attribute.String("kernelmesh.kernel.name", name))
		}
		if target := cmd.TargetKernelName(); target != "" {
			attrs = append(attrs, attribute.String("kernelmesh.command.target", target))
		}

		ctx, span := tracer.Start(ctx, "kernel."+string(cmd.CommandType()), trace.WithAttributes(attrs...))
		defer span.End()

		err := next(ctx, cmd, ic)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
