package core

import (
	"fmt"
	"slices"
	"strings"
)

// RoutingSlip is an ordered, duplicate-free record of the kernel URIs a
// command or event has passed through. It is an immutable value: Stamp and
// Append return a new slip and never touch the receiver's backing array, so a
// slip can be shared freely between goroutines.
type RoutingSlip struct {
	entries []string
}

// NewRoutingSlip builds a slip from uris, rejecting duplicates.
func NewRoutingSlip(uris ...string) (RoutingSlip, error) {
	var s RoutingSlip
	for _, u := range uris {
		next, err := s.Stamp(u)
		if err != nil {
			return RoutingSlip{}, err
		}
		s = next
	}
	return s, nil
}

// Len returns the number of entries.
func (s RoutingSlip) Len() int { return len(s.entries) }

// IsEmpty reports whether nothing was stamped yet.
func (s RoutingSlip) IsEmpty() bool { return len(s.entries) == 0 }

// URIs returns a copy of the entries in stamp order.
func (s RoutingSlip) URIs() []string { return slices.Clone(s.entries) }

// Contains reports whether uri was stamped.
func (s RoutingSlip) Contains(uri string) bool { return slices.Contains(s.entries, uri) }

// StartsWith reports whether other is a leading prefix of s.
func (s RoutingSlip) StartsWith(other RoutingSlip) bool {
	if len(other.entries) > len(s.entries) {
		return false
	}
	return slices.Equal(s.entries[:len(other.entries)], other.entries)
}

// Stamp returns s with uri appended. Stamping a URI that is already present
// fails with ErrDuplicateRoutingSlipEntry; this is what stops a command from
// bouncing forever between hosts that proxy each other.
func (s RoutingSlip) Stamp(uri string) (RoutingSlip, error) {
	if strings.TrimSpace(uri) == "" {
		return s, fmt.Errorf("%w: empty uri", ErrInvalidKernelURI)
	}
	if s.Contains(uri) {
		return s, fmt.Errorf("%w: %s", ErrDuplicateRoutingSlipEntry, uri)
	}

	next := make([]string, len(s.entries), len(s.entries)+1)
	copy(next, s.entries)

	return RoutingSlip{entries: append(next, uri)}, nil
}

// Append continues s with other. The leading entries both slips share are
// skipped; every entry of other beyond that shared prefix is stamped onto s.
// When other is a prefix of s nothing is added.
//
// Any URI that would occur twice in the result fails the whole append with
// ErrDuplicateRoutingSlipEntry and leaves s unchanged.
func (s RoutingSlip) Append(other RoutingSlip) (RoutingSlip, error) {
	n := 0
	for n < len(s.entries) && n < len(other.entries) && s.entries[n] == other.entries[n] {
		n++
	}

	next := s
	for _, u := range other.entries[n:] {
		stamped, err := next.Stamp(u)
		if err != nil {
			return s, fmt.Errorf("cannot continue routing slip %s with %s: %w", s, other, err)
		}
		next = stamped
	}

	return next, nil
}

// String renders the slip as "[a b c]".
func (s RoutingSlip) String() string { return "[" + strings.Join(s.entries, " ") + "]" }
