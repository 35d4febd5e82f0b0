package identity

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidAddress is returned when a reply cannot be parsed as an IP address.
var ErrInvalidAddress = errors.New("invalid identity address")

// Family is the address family of an identity.
type Family int

const (
	// FamilyUnknown is the zero value; it never compares equal to anything.
	FamilyUnknown Family = iota
	// FamilyIPv4 is an IPv4 address (including IPv4-mapped IPv6 addresses).
	FamilyIPv4
	// FamilyIPv6 is a native IPv6 address.
	FamilyIPv6
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Identity is the externally observed address of this host. Identities are
// immutable values compared by normalized address.
type Identity struct {
	// Address is the canonical textual form of the IP address.
	Address string

	// Family is the address family of Address.
	Family Family
}

// Parse normalizes a raw identity string and validates its shape.
func Parse(raw string) (Identity, error) {
	normalized := Normalize(raw)
	addr, err := netip.ParseAddr(normalized)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidAddress, truncate(raw, 64))
	}
	addr = addr.Unmap().WithZone("")

	family := FamilyIPv6
	if addr.Is4() {
		family = FamilyIPv4
	}
	return Identity{Address: addr.String(), Family: family}, nil
}

// Normalize reduces a raw service reply to a bare address literal:
//   - only the first element of a comma separated list is kept
//     (X-Forwarded-For style replies)
//   - surrounding whitespace is removed
//   - a ":port" suffix is removed from IPv4 and bracketed IPv6 addresses
//   - IPv6 brackets are removed
//
// Normalize does not validate; use Parse for that.
func Normalize(raw string) string {
	s, _, _ := strings.Cut(raw, ",")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			return strings.ToLower(s[1:end])
		}
		return s
	}
	// A single colon can only be an IPv4 (or host) port separator; bare
	// IPv6 addresses always contain at least two.
	if strings.Count(s, ":") == 1 {
		s, _, _ = strings.Cut(s, ":")
	}
	return strings.ToLower(s)
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Address == ""
}

// String returns the address.
func (i Identity) String() string {
	return i.Address
}

// Same reports whether a and b are the same observed identity.
//
// Identities of different families are never the same: an IPv4 baseline and
// an IPv6 exit address are treated as different even when they belong to the
// same host. Unset identities are never the same as anything.
func Same(a, b Identity) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	if a.Family != b.Family {
		return false
	}
	return Normalize(a.Address) == Normalize(b.Address)
}

// truncate shortens s for use in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
