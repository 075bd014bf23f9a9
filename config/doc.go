// Package config loads the description of a kernel host from a YAML or TOML
// file.
//
// A file names the host, the connections to other hosts and the proxy
// kernels forwarded over them, plus the logging, metrics and tracing
// settings:
//
//	host:
//	  name: local
//	  default_kernel: python
//	connections:
//	  - name: worker
//	    type: websocket
//	    url: ws://localhost:8080/kernel
//	kernels:
//	  - name: python
//	    remote_uri: kernel://worker/python
//	    connection: worker
//
// Environment variables in the file are expanded before parsing.
package config
