package testutil

import "github.com/hupe1980/kernelmesh/core"

// SubmitCodeBuilder provides a fluent helper for constructing SubmitCode
// commands in tests.
// Example:
//
//	cmd := NewSubmitCode("1+1").Target("python").Token("t-1").Build()
type SubmitCodeBuilder struct {
	cmd *core.SubmitCode
}

// NewSubmitCode starts a builder for a submission of code.
func NewSubmitCode(code string) *SubmitCodeBuilder {
	return &SubmitCodeBuilder{cmd: core.NewSubmitCode(code)}
}

// Target sets the target kernel name (chainable).
func (b *SubmitCodeBuilder) Target(name string) *SubmitCodeBuilder {
	b.cmd.SetTargetKernelName(name)
	return b
}

// Destination sets the destination kernel URI (chainable).
func (b *SubmitCodeBuilder) Destination(uri string) *SubmitCodeBuilder {
	b.cmd.SetDestinationURI(uri)
	return b
}

// Token overrides the derived token (chainable).
func (b *SubmitCodeBuilder) Token(token string) *SubmitCodeBuilder {
	b.cmd.SetToken(token)
	return b
}

// Parent makes the command a child of parent (chainable).
func (b *SubmitCodeBuilder) Parent(parent core.Command) *SubmitCodeBuilder {
	b.cmd.SetParent(parent)
	return b
}

// Build returns the command.
func (b *SubmitCodeBuilder) Build() *core.SubmitCode { return b.cmd }
