// Package logging is the logging surface of KernelMesh.
//
// Kernels, schedulers and hosts depend only on the Logger interface and
// default to NoOpLogger. KernelMeshLogger is the slog-backed implementation:
// it carries component, kernel and command attributes and adds helpers for
// handled commands, routing decisions and envelopes crossing a connection,
// which kernels and hosts use when the logger provides them.
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	composite := kernel.NewComposite(".NET", kernel.WithLogger(logger))
//
// Any *slog.Logger satisfies Logger as well.
package logging
