package directive

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
)

// Diagnostic codes produced by Parse.
const (
	CodeUnterminatedString = "DIR001"
	CodeMissingParameter   = "DIR002"
	CodeTooManyArguments   = "DIR003"
	CodeUnknownOption      = "DIR004"
	CodeMissingOptionValue = "DIR005"
	CodeValueNotAllowed    = "DIR006"
	CodeMissingOption      = "DIR007"
)

// Invocation is a successfully parsed directive line.
type Invocation struct {
	Directive *Directive
	// Name is the name or alias used on the line.
	Name    string
	Args    []string
	Options map[string]string
	Raw     string
	Span    core.LinePositionSpan
}

// Command converts the invocation to a DirectiveCommand. Options are keyed by
// their canonical name.
func (inv *Invocation) Command() *core.DirectiveCommand {
	opts := make(map[string]string, len(inv.Options))
	for k, v := range inv.Options {
		opts[k] = v
	}

	return &core.DirectiveCommand{
		Name:    inv.Directive.Name,
		Args:    slices.Clone(inv.Args),
		Options: opts,
		RawText: inv.Raw,
	}
}

// Grammar is the set of directives one kernel understands.
type Grammar struct {
	mu         sync.RWMutex
	directives []*Directive
	byName     map[string]*Directive
}

// NewGrammar creates an empty grammar.
func NewGrammar() *Grammar {
	return &Grammar{byName: make(map[string]*Directive)}
}

// Add registers d under its name and aliases.
func (g *Grammar) Add(d *Directive) error {
	if err := d.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range d.names() {
		if _, exists := g.byName[n]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateDirective, n)
		}
	}
	for _, n := range d.names() {
		g.byName[n] = d
	}
	g.directives = append(g.directives, d)

	return nil
}

// Lookup finds a directive by name or alias.
func (g *Grammar) Lookup(name string) (*Directive, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.byName[name]
	return d, ok
}

// Directives returns the registered directives in registration order.
func (g *Grammar) Directives() []*Directive {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.directives)
}

// Names returns every registered name and alias, sorted.
func (g *Grammar) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.byName))
	for n := range g.byName {
		names = append(names, n)
	}
	slices.Sort(names)

	return names
}

// LooksLikeDirective reports whether line starts with the directive marker.
func LooksLikeDirective(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), Marker)
}

// DirectiveName returns the first word of a directive line.
func DirectiveName(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(trimmed, " \t\r"); i >= 0 {
		return trimmed[:i]
	}
	return strings.TrimRight(trimmed, "\r")
}

// Parse parses one line (lineNo is zero-based). recognized is false when the
// line is not a directive this grammar knows; the caller then treats it as
// code. A recognized line either yields an invocation or error diagnostics.
func (g *Grammar) Parse(line string, lineNo int) (inv *Invocation, diags []core.Diagnostic, recognized bool) {
	if !LooksLikeDirective(line) {
		return nil, nil, false
	}

	d, ok := g.Lookup(DirectiveName(line))
	if !ok {
		return nil, nil, false
	}

	p := &lineParser{directive: d, line: line, lineNo: lineNo}

	tokens, err := Tokenize(line)
	if err != nil {
		var lexErr *LexError
		if errors.As(err, &lexErr) {
			p.errorf(CodeUnterminatedString, lexErr.Column, len(line), "%s", lexErr.Message)
		} else {
			p.errorf(CodeUnterminatedString, 0, len(line), "%v", err)
		}
		return nil, p.diags, true
	}

	inv = p.parse(tokens)
	if core.HasErrors(p.diags) {
		return nil, p.diags, true
	}

	return inv, p.diags, true
}

type lineParser struct {
	directive *Directive
	line      string
	lineNo    int
	diags     []core.Diagnostic
}

func (p *lineParser) errorf(code string, start, end int, format string, args ...any) {
	p.diags = append(p.diags, core.Diagnostic{
		Severity: core.SeverityError,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Span: core.LinePositionSpan{
			Start: core.LinePosition{Line: p.lineNo, Character: start},
			End:   core.LinePosition{Line: p.lineNo, Character: end},
		},
	})
}

func (p *lineParser) parse(tokens []Token) *Invocation {
	d := p.directive
	name := tokens[0]
	inv := &Invocation{
		Directive: d,
		Name:      name.Value,
		Options:   map[string]string{},
		Raw:       strings.TrimRight(p.line, "\r"),
		Span: core.LinePositionSpan{
			Start: core.LinePosition{Line: p.lineNo, Character: name.Column},
			End:   core.LinePosition{Line: p.lineNo, Character: len(strings.TrimRight(p.line, "\r"))},
		},
	}

	var positional []Token
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Quoted || !strings.HasPrefix(tok.Value, "-") || len(d.Options) == 0 {
			positional = append(positional, tok)
			continue
		}

		optName, value, hasValue := strings.Cut(tok.Value, "=")
		opt, ok := d.option(optName)
		if !ok {
			p.errorf(CodeUnknownOption, tok.Column, tok.End, "unknown option %s for %s", optName, d.Name)
			continue
		}

		switch {
		case opt.Flag:
			value = "true"
		case hasValue:
		case i+1 < len(tokens):
			i++
			value = tokens[i].Value
		default:
			p.errorf(CodeMissingOptionValue, tok.Column, tok.End, "option %s requires a value", opt.Name)
			continue
		}

		if len(opt.AllowedValues) > 0 && !slices.Contains(opt.AllowedValues, value) {
			p.errorf(CodeValueNotAllowed, tok.Column, tokens[i].End, "value %q is not allowed for %s; expected one of %s", value, opt.Name, strings.Join(opt.AllowedValues, ", "))
			continue
		}
		inv.Options[opt.Name] = value
	}

	for _, o := range d.Options {
		if _, set := inv.Options[o.Name]; o.Required && !set {
			p.errorf(CodeMissingOption, name.Column, name.End, "missing required option %s for %s", o.Name, d.Name)
		}
	}

	p.bindParameters(inv, name, positional)

	return inv
}

func (p *lineParser) bindParameters(inv *Invocation, name Token, positional []Token) {
	params := p.directive.Parameters
	variadic := len(params) > 0 && params[len(params)-1].Variadic

	if !variadic && len(positional) > len(params) {
		extra := positional[len(params)]
		p.errorf(CodeTooManyArguments, extra.Column, positional[len(positional)-1].End, "unexpected argument %q for %s", extra.Value, p.directive.Name)
		return
	}

	for i, param := range params {
		if i >= len(positional) {
			if param.Required {
				p.errorf(CodeMissingParameter, name.Column, name.End, "missing required parameter %s for %s", param.Name, p.directive.Name)
			}
			continue
		}

		values := positional[i : i+1]
		if param.Variadic {
			values = positional[i:]
		}
		for _, tok := range values {
			if len(param.AllowedValues) > 0 && !slices.Contains(param.AllowedValues, tok.Value) {
				p.errorf(CodeValueNotAllowed, tok.Column, tok.End, "value %q is not allowed for %s; expected one of %s", tok.Value, param.Name, strings.Join(param.AllowedValues, ", "))
				continue
			}
			inv.Args = append(inv.Args, tok.Value)
		}
	}
}
