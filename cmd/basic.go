package cmd

import "fmt"

// RunBasic installs one of the fixed early-boot filters.
func RunBasic(configFile, ifname, mode, mac string, dhcpServers []string) error {
	if ifname == "" {
		return fmt.Errorf("an interface name is required")
	}
	_, driver, err := setup(configFile)
	if err != nil {
		return err
	}
	if !driver.CanApplyBasicRules() && mode != "remove" {
		return fmt.Errorf("ebtables is not available")
	}

	switch mode {
	case "mac":
		if mac == "" {
			return fmt.Errorf("-mac is required for mode mac")
		}
		return driver.ApplyBasicRules(ifname, mac)
	case "dhcp":
		if mac == "" {
			return fmt.Errorf("-mac is required for mode dhcp")
		}
		return driver.ApplyDHCPOnlyRules(ifname, mac, dhcpServers, false)
	case "drop":
		return driver.ApplyDropAllRules(ifname)
	case "remove":
		driver.RemoveBasicRules(ifname)
		return nil
	}
	return fmt.Errorf("unknown mode %q, want mac, dhcp, drop or remove", mode)
}
