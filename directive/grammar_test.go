package directive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kernelmesh/core"
)

func newTestGrammar(t *testing.T) *Grammar {
	t.Helper()

	g := NewGrammar()
	require.NoError(t, g.Add(&Directive{
		Name:       "#r",
		Kind:       KindPackageReference,
		Parameters: []Parameter{{Name: "package", Required: true}},
	}))
	require.NoError(t, g.Add(&Directive{
		Name:    "#!set",
		Aliases: []string{"#!let"},
		Options: []Option{
			{Name: "--name", Required: true},
			{Name: "--value"},
			{Name: "--mime-type", AllowedValues: []string{"text/plain", "application/json"}},
			{Name: "--byref", Flag: true},
		},
	}))
	require.NoError(t, g.Add(&Directive{
		Name:       "#!who",
		Parameters: []Parameter{{Name: "filter", Variadic: true}},
	}))

	return g
}

func TestTokenize(t *testing.T) {
	tokens, err := Tokenize(`#r "nuget:Foo, 1.0" plain  "a \"quoted\" word"`)
	require.NoError(t, err)

	values := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		values = append(values, tok.Value)
	}
	assert.Equal(t, []string{"#r", "nuget:Foo, 1.0", "plain", `a "quoted" word`}, values)
	assert.Equal(t, 3, tokens[1].Column)
	assert.True(t, tokens[1].Quoted)
}

func TestTokenize_Unterminated(t *testing.T) {
	_, err := Tokenize(`#r "nuget:Foo`)
	var lexErr *LexError
	require.ErrorAs(t, err, &lexErr)
	assert.Equal(t, 3, lexErr.Column)
}

func TestGrammar_Parse(t *testing.T) {
	g := newTestGrammar(t)

	tests := []struct {
		name       string
		line       string
		recognized bool
		wantArgs   []string
		wantOpts   map[string]string
		wantCode   string
	}{
		{name: "code line", line: "Console.WriteLine(1)"},
		{name: "unknown directive is code", line: "#region foo"},
		{name: "package reference", line: "#r nuget:Foo", recognized: true, wantArgs: []string{"nuget:Foo"}, wantOpts: map[string]string{}},
		{name: "missing parameter", line: "#r", recognized: true, wantCode: CodeMissingParameter},
		{name: "too many arguments", line: "#r a b", recognized: true, wantCode: CodeTooManyArguments},
		{name: "unterminated quote", line: `#r "nuget:Foo`, recognized: true, wantCode: CodeUnterminatedString},
		{
			name:       "options by alias",
			line:       "#!let --name x --value=42 --byref",
			recognized: true,
			wantOpts:   map[string]string{"--name": "x", "--value": "42", "--byref": "true"},
		},
		{name: "missing required option", line: "#!set --value 1", recognized: true, wantCode: CodeMissingOption},
		{name: "unknown option", line: "#!set --name x --nope", recognized: true, wantCode: CodeUnknownOption},
		{name: "option without value", line: "#!set --name", recognized: true, wantCode: CodeMissingOptionValue},
		{name: "option value not allowed", line: "#!set --name x --mime-type text/html", recognized: true, wantCode: CodeValueNotAllowed},
		{name: "variadic", line: "#!who a b c", recognized: true, wantArgs: []string{"a", "b", "c"}, wantOpts: map[string]string{}},
		{name: "indented directive", line: "  #!who", recognized: true, wantOpts: map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, diags, recognized := g.Parse(tt.line, 4)

			assert.Equal(t, tt.recognized, recognized)
			if !tt.recognized {
				assert.Nil(t, inv)
				assert.Empty(t, diags)
				return
			}

			if tt.wantCode != "" {
				assert.Nil(t, inv)
				require.NotEmpty(t, diags)
				assert.Equal(t, tt.wantCode, diags[0].Code)
				assert.Equal(t, core.SeverityError, diags[0].Severity)
				assert.Equal(t, 4, diags[0].Span.Start.Line)
				return
			}

			require.NotNil(t, inv)
			assert.Empty(t, diags)
			assert.Equal(t, tt.wantArgs, inv.Args)
			assert.Equal(t, tt.wantOpts, inv.Options)
		})
	}
}

func TestGrammar_AddRejectsDuplicates(t *testing.T) {
	g := newTestGrammar(t)

	err := g.Add(&Directive{Name: "#!let"})
	assert.ErrorIs(t, err, ErrDuplicateDirective)

	err = g.Add(&Directive{Name: "nomarker"})
	assert.ErrorIs(t, err, ErrInvalidDirective)

	assert.Equal(t, []string{"#!let", "#!set", "#!who", "#r"}, g.Names())
}

func TestInvocation_Command(t *testing.T) {
	g := newTestGrammar(t)
	inv, _, _ := g.Parse("#!let --name x", 0)
	require.NotNil(t, inv)

	cmd := inv.Command()

	assert.Equal(t, "#!set", cmd.Name)
	assert.Equal(t, "#!let", inv.Name)
	v, ok := cmd.Option("--name")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	assert.Equal(t, "#!let --name x", cmd.RawText)
}

func TestParsePackageReference(t *testing.T) {
	tests := []struct {
		in   string
		want core.PackageReference
	}{
		{"nuget:Foo", core.PackageReference{Name: "Foo"}},
		{"nuget:Foo, 1.2.3", core.PackageReference{Name: "Foo", Version: "1.2.3"}},
		{"pypi:requests@2.31", core.PackageReference{Name: "requests", Version: "2.31"}},
	}
	for _, tt := range tests {
		got, err := ParsePackageReference(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParsePackageReference("nuget:")
	assert.Error(t, err)
}

func TestKernelSelector(t *testing.T) {
	d := KernelSelector("py", "python")
	assert.Equal(t, "#!py", d.Name)
	assert.Equal(t, KindKernelSelector, d.Kind)
	require.NoError(t, d.Validate())
}
