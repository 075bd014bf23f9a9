// Package testutil contains kernels and helpers shared by tests that run
// commands through hosts and composites: small scripted kernels, a builder
// for SubmitCode commands and a recorder for kernel event streams. They are
// not intended for production usage.
package testutil
