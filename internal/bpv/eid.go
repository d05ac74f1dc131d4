package bpv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dtnrelay/core/pkg/direrror"
)

// EID is an ipn-scheme endpoint identifier: a (nodeId, serviceId) pair of
// unsigned 64-bit integers, per spec.md §3.
type EID struct {
	NodeID    uint64
	ServiceID uint64
}

// ErrInvalidEIDSyntax is the sentinel config error kind for a malformed
// "ipn:N.S" string.
var ErrInvalidEIDSyntax = direrror.New("invalid eid syntax")

// String renders the EID in "ipn:N.S" form.
func (e EID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.NodeID, e.ServiceID)
}

// ParseEID parses a fully-qualified "ipn:N.S" EID. Wildcards ("*") are
// rejected here; use ParseEIDPattern for policy configuration, where
// wildcards are meaningful.
func ParseEID(s string) (EID, error) {
	node, service, err := splitIPN(s)
	if err != nil {
		return EID{}, err
	}
	n, err := strconv.ParseUint(node, 10, 64)
	if err != nil {
		return EID{}, direrror.Wrap("invalid eid node", ErrInvalidEIDSyntax, "eid", s)
	}
	svc, err := strconv.ParseUint(service, 10, 64)
	if err != nil {
		return EID{}, direrror.Wrap("invalid eid service", ErrInvalidEIDSyntax, "eid", s)
	}
	return EID{NodeID: n, ServiceID: svc}, nil
}

func splitIPN(s string) (node, service string, err error) {
	const prefix = "ipn:"
	if !strings.HasPrefix(s, prefix) {
		return "", "", direrror.Wrap("missing ipn: prefix", ErrInvalidEIDSyntax, "eid", s)
	}
	rest := s[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return "", "", direrror.Wrap("missing node.service separator", ErrInvalidEIDSyntax, "eid", s)
	}
	return rest[:dot], rest[dot+1:], nil
}

// EIDPattern is a policy-configuration EID matcher: the fully qualified
// (nodeId, serviceId) pair, the node-only wildcard ("ipn:N.*"), or the
// any-EID wildcard ("ipn:*.*"). Mirrors scion's addr.IA wildcard matching
// (IAMatcher), generalized from (ISD, AS) to (node, service).
type EIDPattern struct {
	NodeID         uint64
	ServiceID      uint64
	NodeWildcard   bool
	ServiceWildcard bool
}

// ParseEIDPattern parses "ipn:N.S", "ipn:N.*" or "ipn:*.*".
func ParseEIDPattern(s string) (EIDPattern, error) {
	node, service, err := splitIPN(s)
	if err != nil {
		return EIDPattern{}, err
	}
	var p EIDPattern
	if node == "*" {
		p.NodeWildcard = true
		p.ServiceWildcard = true
		if service != "*" {
			return EIDPattern{}, direrror.Wrap("node wildcard requires service wildcard", ErrInvalidEIDSyntax, "eid", s)
		}
		return p, nil
	}
	n, err := strconv.ParseUint(node, 10, 64)
	if err != nil {
		return EIDPattern{}, direrror.Wrap("invalid eid node", ErrInvalidEIDSyntax, "eid", s)
	}
	p.NodeID = n
	if service == "*" {
		p.ServiceWildcard = true
		return p, nil
	}
	svc, err := strconv.ParseUint(service, 10, 64)
	if err != nil {
		return EIDPattern{}, direrror.Wrap("invalid eid service", ErrInvalidEIDSyntax, "eid", s)
	}
	p.ServiceID = svc
	return p, nil
}

// Matches reports whether eid satisfies the pattern.
func (p EIDPattern) Matches(eid EID) bool {
	if p.NodeWildcard {
		return true
	}
	if p.NodeID != eid.NodeID {
		return false
	}
	if p.ServiceWildcard {
		return true
	}
	return p.ServiceID == eid.ServiceID
}

// IsAny reports whether the pattern matches every EID ("ipn:*.*").
func (p EIDPattern) IsAny() bool { return p.NodeWildcard }

// IsNodeWildcard reports whether the pattern matches any service of one
// node ("ipn:N.*").
func (p EIDPattern) IsNodeWildcard() bool { return !p.NodeWildcard && p.ServiceWildcard }
