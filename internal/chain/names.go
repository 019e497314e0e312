// Package chain models the firewall chain namespace: the per-interface
// root and per-protocol child chains at the ethernet layer, the
// per-interface root chains at the IP layer, and the instruction
// stream that creates and populates them.
package chain

import (
	"errors"
	"fmt"
	"strings"
)

// MaxNameLength is the longest chain name the tools accept. Names
// that would exceed it are rejected, never truncated.
const MaxNameLength = 32

// Marker brands the ethernet-layer root chains so foreign chains are
// never touched during discovery.
const Marker = "tapguard"

// Ethernet-layer chain prefixes. The temp prefixes name the chains a
// deployment builds up; committing renames them to their final
// counterparts.
const (
	HostIn      byte = 'I'
	HostOut     byte = 'O'
	HostInTemp  byte = 'J'
	HostOutTemp byte = 'P'
)

// IP-layer chain prefixes. First char 'F' routes through FORWARD,
// 'H' through INPUT; the second char carries the same temp/final
// encoding as the ethernet prefixes.
const (
	FwdIn       = "FI"
	FwdOut      = "FO"
	HostInIP    = "HI"
	FwdInTemp   = "FJ"
	FwdOutTemp  = "FP"
	HostInTmpIP = "HJ"
)

// ErrNameTooLong reports a chain name over MaxNameLength.
var ErrNameTooLong = errors.New("chain name too long")

// RootSuffix is the pseudo chain suffix selecting the interface root
// chain instead of a per-protocol child chain.
const RootSuffix = "root"

var childSuffixes = map[string]bool{
	"ipv4": true,
	"ipv6": true,
	"arp":  true,
	"rarp": true,
	"vlan": true,
	"stp":  true,
	"mac":  true,
}

// IsChildSuffix reports whether s names a per-protocol child chain.
func IsChildSuffix(s string) bool {
	return childSuffixes[s]
}

// Default insertion priorities of the per-protocol child chains.
// Lower values are created and consulted first.
var defaultPriorities = map[string]int{
	"stp":  -810,
	"mac":  -800,
	"vlan": -750,
	"ipv4": -700,
	"ipv6": -600,
	"arp":  -500,
	"rarp": -400,
}

// DefaultPriority returns the insertion priority for a chain suffix.
// The root chain sits at priority 0.
func DefaultPriority(suffix string) int {
	return defaultPriorities[suffix]
}

func checkLen(name string) (string, error) {
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %q (%d > %d)", ErrNameTooLong,
			name, len(name), MaxNameLength)
	}
	return name, nil
}

// RootName returns the ethernet-layer root chain name for an
// interface, e.g. "tapguard-J-vnet0".
func RootName(prefix byte, ifname string) (string, error) {
	return checkLen(fmt.Sprintf("%s-%c-%s", Marker, prefix, ifname))
}

// ChildName returns an ethernet-layer per-protocol chain name, e.g.
// "J-vnet0-ipv4".
func ChildName(prefix byte, ifname, suffix string) (string, error) {
	return checkLen(fmt.Sprintf("%c-%s-%s", prefix, ifname, suffix))
}

// IPRootName returns the IP-layer root chain name for an interface,
// e.g. "FJ-vnet0".
func IPRootName(prefix, ifname string) (string, error) {
	return checkLen(fmt.Sprintf("%s-%s", prefix, ifname))
}

// TempToFinal maps a temp prefix char to its final counterpart and
// reports whether the char was a temp prefix.
func TempToFinal(c byte) (byte, bool) {
	switch c {
	case HostInTemp:
		return HostIn, true
	case HostOutTemp:
		return HostOut, true
	}
	return c, false
}

// IsTempPrefix reports whether c is one of the ethernet temp
// prefixes.
func IsTempPrefix(c byte) bool {
	return c == HostInTemp || c == HostOutTemp
}

// Name is a parsed chain name.
type Name struct {
	// Prefix is "I", "O", "J" or "P" at the ethernet layer, or one
	// of the two-char IP-layer prefixes.
	Prefix    string
	Interface string
	// Suffix is the per-protocol child suffix, or empty for a root
	// chain.
	Suffix    string
	Root      bool
	Temporary bool
}

// Parse recovers the components of any name produced by RootName,
// ChildName or IPRootName. Interface names may contain '-'; the child
// suffix is taken from the last '-'-separated token only when it is a
// known protocol suffix.
func Parse(name string) (Name, error) {
	if rest, ok := strings.CutPrefix(name, Marker+"-"); ok {
		if len(rest) > 2 && rest[1] == '-' && isEthPrefix(rest[0]) {
			return Name{
				Prefix:    rest[:1],
				Interface: rest[2:],
				Root:      true,
				Temporary: IsTempPrefix(rest[0]),
			}, nil
		}
		return Name{}, fmt.Errorf("malformed root chain name %q", name)
	}

	if len(name) > 2 && name[1] == '-' && isEthPrefix(name[0]) {
		rest := name[2:]
		idx := strings.LastIndexByte(rest, '-')
		if idx <= 0 || !IsChildSuffix(rest[idx+1:]) {
			return Name{}, fmt.Errorf("malformed child chain name %q", name)
		}
		return Name{
			Prefix:    name[:1],
			Interface: rest[:idx],
			Suffix:    rest[idx+1:],
			Temporary: IsTempPrefix(name[0]),
		}, nil
	}

	if len(name) > 3 && name[2] == '-' && isIPPrefix(name[:2]) {
		return Name{
			Prefix:    name[:2],
			Interface: name[3:],
			Root:      true,
			Temporary: IsTempPrefix(name[1]),
		}, nil
	}

	return Name{}, fmt.Errorf("unrecognized chain name %q", name)
}

func isEthPrefix(c byte) bool {
	return c == HostIn || c == HostOut || c == HostInTemp || c == HostOutTemp
}

func isIPPrefix(s string) bool {
	switch s {
	case FwdIn, FwdOut, HostInIP, FwdInTemp, FwdOutTemp, HostInTmpIP:
		return true
	}
	return false
}
