// Package ipset implements canonical CIDR validation and the authorization
// set used throughout the merge engine: sorted per-family CIDR lists
// supporting containment, union, and subtraction.
package ipset

import (
	"encoding/json"
	"fmt"
	"net"
)

// Family distinguishes IPv4 from IPv6 CIDRs; the two are never compared or
// merged with each other.
type Family uint8

const (
	V4 Family = 4
	V6 Family = 6
)

// CIDR is an address family tag, a prefix length, and a network address
// whose host bits are all zero.
type CIDR struct {
	Family Family
	Prefix int
	IP     net.IP // always the canonical length for Family (4 or 16 bytes)
}

// Parse validates s as a CIDR with zero host bits, rejecting any input
// net.ParseCIDR would silently mask down to its network address.
func Parse(s string) (CIDR, error) {
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return CIDR{}, fmt.Errorf("parsing CIDR %q: %w", s, err)
	}
	if !ip.Equal(network.IP) {
		return CIDR{}, fmt.Errorf("CIDR %q has nonzero host bits", s)
	}
	prefix, bits := network.Mask.Size()
	if prefix == 0 && bits == 0 {
		return CIDR{}, fmt.Errorf("CIDR %q has a non-canonical mask", s)
	}
	var family Family
	var ipLen int
	switch bits {
	case 32:
		family, ipLen = V4, 4
	case 128:
		family, ipLen = V6, 16
	default:
		return CIDR{}, fmt.Errorf("CIDR %q: unsupported mask width %d", s, bits)
	}
	canon := network.IP
	if family == V4 {
		canon = canon.To4()
	} else {
		canon = canon.To16()
	}
	if len(canon) != ipLen {
		return CIDR{}, fmt.Errorf("CIDR %q: could not canonicalize address", s)
	}
	return CIDR{Family: family, Prefix: prefix, IP: canon}, nil
}

func MustParse(s string) CIDR {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CIDR) String() string {
	mask := net.CIDRMask(c.Prefix, len(c.IP)*8)
	n := net.IPNet{IP: c.IP, Mask: mask}
	return n.String()
}

func (c CIDR) ipNet() *net.IPNet {
	return &net.IPNet{IP: c.IP, Mask: net.CIDRMask(c.Prefix, len(c.IP)*8)}
}

// IPNet returns the standard library representation of c, for callers (such
// as wgctrl peer configuration) that need a net.IPNet value.
func (c CIDR) IPNet() net.IPNet {
	return *c.ipNet()
}

// Contains reports whether other is entirely contained within c — same
// family, c's prefix no longer than other's, and other's network address
// falls within c's range.
func (c CIDR) Contains(other CIDR) bool {
	if c.Family != other.Family {
		return false
	}
	if other.Prefix < c.Prefix {
		return false
	}
	return c.ipNet().Contains(other.IP) || c.IP.Equal(other.IP)
}

// Equal reports whether c and other denote the same network.
func (c CIDR) Equal(other CIDR) bool {
	return c.Family == other.Family && c.Prefix == other.Prefix && c.IP.Equal(other.IP)
}

// Less orders CIDRs by family, then network address, then prefix length,
// matching the canonical output ordering spec.md §4.D phase 5 requires.
func (c CIDR) Less(other CIDR) bool {
	if c.Family != other.Family {
		return c.Family < other.Family
	}
	if cmp := compareBytes(c.IP, other.IP); cmp != 0 {
		return cmp < 0
	}
	return c.Prefix < other.Prefix
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func (c CIDR) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CIDR) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
