// Package host connects kernels that live in different processes.
//
// A KernelHost owns the composite kernel of one process and names every
// kernel in it kernel://<host>/<name>. Hosts talk over connection.Transport
// values registered with AddConnection:
//
//	root := kernel.NewComposite(".NET")
//	h := host.New("local", root)
//	_, _ = h.AddConnection("worker", transport)
//	_, _ = h.ConnectProxyKernel("python", "kernel://worker/python", "worker")
//	go h.Run(ctx)
//
// A ProxyKernel forwards the commands it receives to the remote kernel and
// publishes the remote events under the local command. Commands arriving from
// the other side are resolved by the last segment of their destination URI
// and run through the local kernel's pipeline; their events stream back over
// the same connection.
//
// Every kernel, proxies included, stamps its URI on a command's routing slip.
// A proxy stamps before forwarding, so a command travelling around a cycle of
// proxies fails with core.ErrDuplicateRoutingSlipEntry the second time it
// reaches the same proxy.
package host
