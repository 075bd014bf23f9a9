// Package core provides the domain types shared by kernels, hosts and
// transports:
//
//   - Commands (instructions routed to kernels) and their correlation tokens
//   - Events (what kernels report back, ending in one terminal event per command)
//   - RoutingSlip (the duplicate-free URI trail that stops forwarding loops)
//   - InvocationContext (the scope of one root command and its event stream)
//   - Diagnostics, kernel URIs, KernelInfo and the error taxonomy
//
// The invocation context travels in context.Context. A command sent while
// another command is being handled on the same context joins that command's
// invocation context instead of starting a new one, so nested sends share one
// event stream while unrelated submissions stay independent.
package core
