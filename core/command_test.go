package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand_ChildTokenDerivesFromParent(t *testing.T) {
	parent := NewSubmitCode("x")
	first := NewSubmitCode("a")
	second := NewRequestKernelInfo()

	first.SetParent(parent)
	second.SetParent(parent)

	assert.Equal(t, parent.Token()+".1", first.Token())
	assert.Equal(t, parent.Token()+".2", second.Token())
	assert.True(t, strings.HasPrefix(second.Token(), parent.Token()))
}

func TestCommand_SetParentRefusesCycles(t *testing.T) {
	a := NewSubmitCode("a")
	b := NewSubmitCode("b")
	b.SetParent(a)

	a.SetParent(b)
	a.SetParent(a)

	assert.Nil(t, a.Parent())
	assert.True(t, IsSelfOrDescendant(b, a))
	assert.False(t, IsSelfOrDescendant(a, b))
}

func TestCommand_FirstParentWins(t *testing.T) {
	p1 := NewSubmitCode("1")
	p2 := NewSubmitCode("2")
	c := NewSubmitCode("c")

	c.SetParent(p1)
	c.SetParent(p2)

	assert.Same(t, p1, c.Parent())
}

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Diagnostics: []Diagnostic{
		{Severity: SeverityWarning, Message: "ignored"},
		{Severity: SeverityError, Code: "DIR001", Message: "missing value", Span: LinePositionSpan{Start: LinePosition{Line: 0, Character: 3}}},
	}}

	assert.Equal(t, "(1,4): error DIR001: missing value", err.Error())
}

func TestRemoteCommandError_Is(t *testing.T) {
	var err error = &RemoteCommandError{RemoteURI: "kernel://b/x", Message: "boom"}
	assert.True(t, errors.Is(err, ErrRemoteCommandFailed))
	assert.Contains(t, err.Error(), "boom")
}
