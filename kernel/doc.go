// Package kernel implements kernels, the addressable units of a kernel mesh.
//
// A BaseKernel owns a FIFO command queue (Scheduler), a middleware Pipeline
// and a directive grammar. Commands sent to a kernel run one at a time; a
// command sent from inside a running command joins its invocation context and
// runs inline. Submissions that mix directives and code are split into
// separate commands before they reach the core handler.
//
// A CompositeKernel routes commands to child kernels by target name,
// destination URI, kernel selector directive, single child or default kernel.
//
// Basic usage:
//
//	csharp := kernel.New("csharp")
//	csharp.RegisterCommandHandler(core.CommandTypeSubmitCode, handle)
//
//	root := kernel.NewComposite(".NET")
//	_ = root.Add(csharp, "c#")
//
//	res, err := root.Send(ctx, core.NewSubmitCode("#!c#\nConsole.WriteLine(1);"))
package kernel
