//go:build !linux
// +build !linux

package firewall

// InterfaceExists is a no-op where netlink is unavailable; the tools
// themselves will reject an unknown device.
func InterfaceExists(ifname string) error {
	return nil
}
