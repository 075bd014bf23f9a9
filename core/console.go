package core

import (
	"context"
	"io"
	"os"
)

type consoleKey struct{}

type console struct {
	stdout io.Writer
	stderr io.Writer
}

// consoleWriter publishes every write as an output event of one command.
type consoleWriter struct {
	ic     *InvocationContext
	cmd    Command
	stderr bool
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	text := string(p)

	var ev Event
	if w.stderr {
		ev = NewStandardErrorValueProduced(w.cmd, text)
	} else {
		ev = NewStandardOutputValueProduced(w.cmd, text)
	}
	w.ic.Publish(ev)

	return len(p), nil
}

// WithConsole returns a context whose Stdout and Stderr publish
// StandardOutputValueProduced and StandardErrorValueProduced events for cmd
// into ic.
func WithConsole(ctx context.Context, ic *InvocationContext, cmd Command) context.Context {
	return context.WithValue(ctx, consoleKey{}, &console{
		stdout: &consoleWriter{ic: ic, cmd: cmd},
		stderr: &consoleWriter{ic: ic, cmd: cmd, stderr: true},
	})
}

// Stdout returns the writer handlers should print to. Outside a kernel it is
// os.Stdout.
func Stdout(ctx context.Context) io.Writer {
	if c, ok := ctx.Value(consoleKey{}).(*console); ok {
		return c.stdout
	}
	return os.Stdout
}

// Stderr is the error counterpart of Stdout.
func Stderr(ctx context.Context) io.Writer {
	if c, ok := ctx.Value(consoleKey{}).(*console); ok {
		return c.stderr
	}
	return os.Stderr
}
