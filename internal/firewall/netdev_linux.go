//go:build linux
// +build linux

package firewall

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// InterfaceExists verifies the network device is present before a
// deployment is attempted against it.
func InterfaceExists(ifname string) error {
	if _, err := netlink.LinkByName(ifname); err != nil {
		return fmt.Errorf("network device %s: %w", ifname, err)
	}
	return nil
}
