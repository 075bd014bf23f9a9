package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
)

// HandlerFunc handles a command within its invocation context.
type HandlerFunc func(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error

// Middleware wraps command handling. Calling next continues the chain;
// returning without calling it short-circuits everything after it.
type Middleware func(ctx context.Context, cmd core.Command, ic *core.InvocationContext, next HandlerFunc) error

type namedMiddleware struct {
	name string
	mw   Middleware
}

// Pipeline is the ordered middleware chain of one kernel, ending in the
// kernel's core handler. The composed chain is built lazily and rebuilt after
// AddMiddleware.
type Pipeline struct {
	mu         sync.Mutex
	builtins   []namedMiddleware
	middleware []namedMiddleware
	terminal   HandlerFunc
	composed   HandlerFunc
}

func newPipeline(terminal HandlerFunc, builtins ...namedMiddleware) *Pipeline {
	return &Pipeline{terminal: terminal, builtins: builtins}
}

// AddMiddleware appends mw after every middleware added before it.
func (p *Pipeline) AddMiddleware(name string, mw Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middleware = append(p.middleware, namedMiddleware{name: name, mw: mw})
	p.composed = nil
}

// Names lists the middleware in execution order, built-ins first.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.builtins)+len(p.middleware))
	for _, m := range p.builtins {
		names = append(names, m.name)
	}
	for _, m := range p.middleware {
		names = append(names, m.name)
	}
	return names
}

// Run sends cmd through the chain.
func (p *Pipeline) Run(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
	return p.compose()(ctx, cmd, ic)
}

func (p *Pipeline) compose() HandlerFunc {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.composed != nil {
		return p.composed
	}

	all := make([]namedMiddleware, 0, len(p.builtins)+len(p.middleware))
	all = append(all, p.builtins...)
	all = append(all, p.middleware...)

	next := guard("core", p.terminal)
	for i := len(all) - 1; i >= 0; i-- {
		next = bind(all[i], next)
	}
	p.composed = next

	return next
}

func bind(m namedMiddleware, next HandlerFunc) HandlerFunc {
	return guard(m.name, func(ctx context.Context, cmd core.Command, ic *core.InvocationContext) error {
		return m.mw(ctx, cmd, ic, next)
	})
}

// guard turns a panic in h into an ErrUnhandledMiddleware error.
func guard(name string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, cmd core.Command, ic *core.InvocationContext) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", core.ErrUnhandledMiddleware, name, r)
			}
		}()
		return h(ctx, cmd, ic)
	}
}
