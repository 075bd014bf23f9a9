package kernel

import (
	"context"
	"strings"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/directive"
)

// piece is one command of a split submission and the kernel it is sent to.
type piece struct {
	cmd   core.Command
	route Kernel
}

// SplitSubmission decomposes sub into the commands it consists of, using the
// directives of k and of k's ancestors. The first grammar recognizing a line
// wins, starting at k.
//
// Package directives come first, followed by one RestoreCommand, then the
// remaining directives and code chunks in submission order. A submission
// without recognized directives yields []core.Command{sub}. A recognized
// directive with errors yields a single command that publishes the
// diagnostics and fails with *core.ParseError.
func SplitSubmission(k Kernel, sub *core.SubmitCode) []core.Command {
	pieces, _ := splitSubmission(k, sub)

	cmds := make([]core.Command, len(pieces))
	for i, p := range pieces {
		cmds[i] = p.cmd
	}

	return cmds
}

func splitSubmission(k Kernel, sub *core.SubmitCode) ([]piece, bool) {
	var (
		buf         []string
		code        []piece
		pkgs        []piece
		diags       []core.Diagnostic
		found       bool
		route       = k
		selected    bool
		restoreFrom Kernel
	)

	flush := func() {
		text := strings.Join(buf, "\n")
		buf = nil
		if strings.TrimSpace(text) == "" {
			return
		}
		c := core.NewSubmitCode(text)
		if !selected {
			c.SetTargetKernelName(sub.TargetKernelName())
			c.SetDestinationURI(sub.DestinationURI())
		}
		code = append(code, piece{cmd: c, route: route})
	}

	for i, line := range strings.Split(sub.Code, "\n") {
		inv, ds, owner, recognized := parseLine(k, line, i)
		if !recognized {
			buf = append(buf, line)
			continue
		}

		found = true
		if core.HasErrors(ds) {
			diags = append(diags, ds...)
			continue
		}

		flush()

		dc := inv.Command()
		dc.SetTargetKernelName(owner.Name())
		p := piece{cmd: dc, route: owner}

		switch kind := inv.Directive.Kind; {
		case kind.IsPackageDirective():
			pkgs = append(pkgs, p)
			if restoreFrom == nil {
				restoreFrom = owner
			}
		case kind == directive.KindKernelSelector:
			code = append(code, p)
			route = owner
			selected = true
		default:
			code = append(code, p)
		}
	}
	flush()

	if !found {
		return []piece{{cmd: sub, route: k}}, false
	}

	if len(diags) > 0 {
		anon := core.NewAnonymousCommand("diagnostics", func(_ context.Context, cmd *core.AnonymousCommand, ic *core.InvocationContext) error {
			ic.Publish(core.NewDiagnosticsProduced(cmd, diags))
			return &core.ParseError{Diagnostics: diags}
		})
		anon.SetParent(sub)
		return []piece{{cmd: anon, route: k}}, true
	}

	out := make([]piece, 0, len(pkgs)+1+len(code))
	out = append(out, pkgs...)
	if restoreFrom != nil {
		r := core.NewRestoreCommand()
		r.SetTargetKernelName(restoreFrom.Name())
		out = append(out, piece{cmd: r, route: restoreFrom})
	}
	out = append(out, code...)

	for _, p := range out {
		p.cmd.SetParent(sub)
	}

	return out, true
}

// parseLine tries the grammars of k and its ancestors in order.
func parseLine(k Kernel, line string, lineNo int) (*directive.Invocation, []core.Diagnostic, Kernel, bool) {
	if !directive.LooksLikeDirective(line) {
		return nil, nil, nil, false
	}

	for kk := k; kk != nil; kk = parentKernel(kk) {
		inv, diags, recognized := kk.Grammar().Parse(line, lineNo)
		if recognized {
			return inv, diags, kk, true
		}
	}

	return nil, nil, nil, false
}
