package core

import "slices"

// KernelInfo describes a kernel to clients and to remote hosts building proxies.
type KernelInfo struct {
	LocalName           string        `json:"localName"`
	Aliases             []string      `json:"aliases,omitempty"`
	URI                 string        `json:"uri,omitempty"`
	RemoteURI           string        `json:"remoteUri,omitempty"`
	IsComposite         bool          `json:"isComposite,omitempty"`
	IsProxy             bool          `json:"isProxy,omitempty"`
	SupportedCommands   []CommandType `json:"supportedKernelCommands,omitempty"`
	SupportedDirectives []string      `json:"supportedDirectives,omitempty"`
}

// Supports reports whether the kernel accepts commands of type t.
func (i KernelInfo) Supports(t CommandType) bool { return slices.Contains(i.SupportedCommands, t) }
