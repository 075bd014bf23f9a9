package kernel

import (
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/directive"
)

type currentKernelKey struct{}

// CurrentKernel returns the kernel handling the command running on ctx, or nil.
func CurrentKernel(ctx context.Context) Kernel {
	k, _ := ctx.Value(currentKernelKey{}).(Kernel)
	return k
}

// consoleMiddleware routes core.Stdout and core.Stderr to output events of cmd.
func consoleMiddleware(ctx context.Context, cmd core.Command, ic *core.InvocationContext, next HandlerFunc) error {
	return next(core.WithConsole(ctx, ic, cmd), cmd, ic)
}

func (k *BaseKernel) currentKernelMiddleware(ctx context.Context, cmd core.Command, ic *core.InvocationContext, next HandlerFunc) error {
	restore := ic.SetCurrentKernel(k.name, k.URI())
	defer restore()

	return next(context.WithValue(ctx, currentKernelKey{}, k.self), cmd, ic)
}

// splitMiddleware re-drives each piece of a submission that mixes directives
// and code. A submission without directives passes through unchanged.
func (k *BaseKernel) splitMiddleware(ctx context.Context, cmd core.Command, ic *core.InvocationContext, next HandlerFunc) error {
	sub, ok := cmd.(*core.SubmitCode)
	if !ok {
		return next(ctx, cmd, ic)
	}

	pieces, split := splitSubmission(k.self, sub)
	if !split {
		return next(ctx, cmd, ic)
	}

	k.logger.Debug("submission split", "kernel", k.name, "pieces", len(pieces))

	for _, p := range pieces {
		if _, err := p.route.Send(ctx, p.cmd); err != nil {
			return err
		}
	}

	return nil
}

func (k *BaseKernel) registerPackageDirectives() {
	_ = k.grammar.Add(&directive.Directive{
		Name:        "#r",
		Kind:        directive.KindPackageReference,
		Description: "Reference a package",
		Parameters:  []directive.Parameter{{Name: "package", Required: true}},
		Handler: func(_ context.Context, cmd *core.DirectiveCommand, _ *core.InvocationContext) error {
			ref, err := directive.ParsePackageReference(cmd.Args[0])
			if err != nil {
				return err
			}
			k.pkgMu.Lock()
			k.pkgRefs = append(k.pkgRefs, ref)
			k.pkgMu.Unlock()
			return nil
		},
	})

	_ = k.grammar.Add(&directive.Directive{
		Name:        "#i",
		Kind:        directive.KindPackageSource,
		Description: "Add a package source",
		Parameters:  []directive.Parameter{{Name: "source", Required: true}},
		Handler: func(_ context.Context, cmd *core.DirectiveCommand, _ *core.InvocationContext) error {
			k.pkgMu.Lock()
			if !slices.Contains(k.pkgSource, cmd.Args[0]) {
				k.pkgSource = append(k.pkgSource, cmd.Args[0])
			}
			k.pkgMu.Unlock()
			return nil
		},
	})
}

// restore resolves the references collected since the last restore. Sources
// stay registered across restores.
func (k *BaseKernel) restore(ctx context.Context, cmd *core.RestoreCommand, ic *core.InvocationContext) error {
	if k.restorer == nil {
		return fmt.Errorf("%w: %s by kernel %s", core.ErrCommandNotSupported, cmd.CommandType(), k.name)
	}

	k.pkgMu.Lock()
	refs := k.pkgRefs
	k.pkgRefs = nil
	sources := slices.Clone(k.pkgSource)
	k.pkgMu.Unlock()

	if len(refs) == 0 {
		return nil
	}

	added, err := k.restorer.Restore(ctx, sources, refs)
	if err != nil {
		return err
	}

	for _, ref := range added {
		ic.Publish(core.NewPackageAdded(cmd, ref))
	}

	return nil
}
