package core

import (
	"fmt"
	"net/url"
	"strings"
)

// KernelURIScheme is the scheme of kernel URIs: kernel://host/local-name.
const KernelURIScheme = "kernel"

// HostURI returns the canonical URI of a kernel host: "kernel://<host>/".
func HostURI(host string) string {
	return fmt.Sprintf("%s://%s/", KernelURIScheme, strings.Trim(host, "/"))
}

// ParseKernelURI validates uri and returns it normalized so that a host URI
// always ends with "/" and a kernel URI never does.
func ParseKernelURI(uri string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidKernelURI, uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %s: scheme and host are required", ErrInvalidKernelURI, uri)
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return fmt.Sprintf("%s://%s/", u.Scheme, u.Host), nil
	}

	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Host, path), nil
}

// JoinKernelURI appends a local kernel name to a host or kernel URI.
func JoinKernelURI(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Trim(name, "/")
}

// SplitKernelURI splits a normalized kernel URI into its host URI and the local
// path (empty for the host's root kernel).
func SplitKernelURI(uri string) (hostURI, localPath string, err error) {
	normalized, err := ParseKernelURI(uri)
	if err != nil {
		return "", "", err
	}

	scheme, rest, _ := strings.Cut(normalized, "://")
	host, localPath, _ := strings.Cut(rest, "/")

	return scheme + "://" + host + "/", localPath, nil
}
