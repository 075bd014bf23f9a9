package directive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/kernelmesh/core"
)

// Marker starts every directive line.
const Marker = "#"

// Kind classifies a directive for the submission splitter.
type Kind int

const (
	// KindAction directives run inline in submission order.
	KindAction Kind = iota
	// KindKernelSelector directives choose the kernel for the code that follows.
	KindKernelSelector
	// KindPackageReference directives are hoisted ahead of a restore.
	KindPackageReference
	// KindPackageSource directives are hoisted ahead of a restore.
	KindPackageSource
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindKernelSelector:
		return "kernel-selector"
	case KindPackageReference:
		return "package-reference"
	case KindPackageSource:
		return "package-source"
	default:
		return "unknown"
	}
}

// IsPackageDirective reports whether the splitter hoists directives of kind k.
func (k Kind) IsPackageDirective() bool {
	return k == KindPackageReference || k == KindPackageSource
}

// Handler runs a parsed directive.
type Handler func(ctx context.Context, cmd *core.DirectiveCommand, ic *core.InvocationContext) error

// Parameter is a positional argument.
type Parameter struct {
	Name          string
	Description   string
	Required      bool
	AllowedValues []string
	// Variadic lets the last parameter consume every remaining argument.
	Variadic bool
}

// Option is a named "--name value" argument.
type Option struct {
	Name          string
	Aliases       []string
	Description   string
	Required      bool
	AllowedValues []string
	// Flag options take no value; their presence sets "true".
	Flag bool
}

// Directive describes one directive a kernel understands.
type Directive struct {
	Name        string
	Aliases     []string
	Kind        Kind
	Description string
	Parameters  []Parameter
	Options     []Option
	Handler     Handler
}

var (
	// ErrInvalidDirective is returned when a directive definition is malformed.
	ErrInvalidDirective = errors.New("invalid directive")

	// ErrDuplicateDirective is returned when a name or alias is already taken.
	ErrDuplicateDirective = errors.New("directive already registered")
)

// Validate checks the definition itself, not an invocation.
func (d *Directive) Validate() error {
	for _, n := range d.names() {
		if !strings.HasPrefix(n, Marker) || len(n) == len(Marker) || strings.ContainsAny(n, " \t\"") {
			return fmt.Errorf("%w: name %q must start with %q and contain no whitespace", ErrInvalidDirective, n, Marker)
		}
	}

	for i, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %s: parameter %d has no name", ErrInvalidDirective, d.Name, i)
		}
		if p.Variadic && i != len(d.Parameters)-1 {
			return fmt.Errorf("%w: %s: only the last parameter may be variadic", ErrInvalidDirective, d.Name)
		}
	}

	seen := map[string]bool{}
	for _, o := range d.Options {
		for _, n := range append([]string{o.Name}, o.Aliases...) {
			if !strings.HasPrefix(n, "--") && !strings.HasPrefix(n, "-") {
				return fmt.Errorf("%w: %s: option %q must start with '-'", ErrInvalidDirective, d.Name, n)
			}
			if seen[n] {
				return fmt.Errorf("%w: %s: duplicate option %q", ErrInvalidDirective, d.Name, n)
			}
			seen[n] = true
		}
	}

	return nil
}

func (d *Directive) names() []string { return append([]string{d.Name}, d.Aliases...) }

func (d *Directive) option(name string) (*Option, bool) {
	for i := range d.Options {
		o := &d.Options[i]
		if o.Name == name {
			return o, true
		}
		for _, a := range o.Aliases {
			if a == name {
				return o, true
			}
		}
	}
	return nil, false
}

// KernelSelector builds the "#!<name>" directive that selects kernelName for
// the code following it.
func KernelSelector(selector, kernelName string) *Directive {
	return &Directive{
		Name:        Marker + "!" + selector,
		Kind:        KindKernelSelector,
		Description: fmt.Sprintf("Run the following code in the %s kernel", kernelName),
		Handler: func(_ context.Context, _ *core.DirectiveCommand, ic *core.InvocationContext) error {
			ic.SetHandlingKernelName(kernelName)
			return nil
		},
	}
}

// ParsePackageReference parses "nuget:Name, 1.2.3", "Name@1.2.3" or "Name".
func ParsePackageReference(value string) (core.PackageReference, error) {
	v := strings.TrimSpace(value)
	if i := strings.Index(v, ":"); i >= 0 {
		v = strings.TrimSpace(v[i+1:])
	}

	var ref core.PackageReference
	switch {
	case strings.Contains(v, ","):
		name, version, _ := strings.Cut(v, ",")
		ref = core.PackageReference{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	case strings.Contains(v, "@"):
		name, version, _ := strings.Cut(v, "@")
		ref = core.PackageReference{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	default:
		ref = core.PackageReference{Name: v}
	}

	if ref.Name == "" {
		return ref, fmt.Errorf("invalid package reference %q", value)
	}

	return ref, nil
}
