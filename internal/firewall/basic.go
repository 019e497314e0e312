package firewall

import (
	"fmt"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/metrics"
	"grimm.is/tapguard/internal/rule"
)

// Early-boot recipes. These install fixed ethernet-layer filters
// without going through the compiler, for the window before a full
// rule set can be deployed: pin the interface to its MAC, allow DHCP
// only, or drop everything. Each recipe starts from a clean slate and
// promotes its chains on success.

const broadcastMAC = "ff:ff:ff:ff:ff:ff"

// ApplyBasicRules restricts the interface to its own MAC and to IPv4
// and ARP traffic.
func (d *Driver) ApplyBasicRules(ifname, mac string) error {
	start := d.Clock.Now()
	err := d.applyBasicRules(ifname, mac)
	metrics.Get().ObserveDeployment("basic", d.Clock.Since(start), err)
	return err
}

func (d *Driver) applyBasicRules(ifname, mac string) error {
	if err := d.allTeardown(ifname); err != nil {
		return err
	}
	root, err := chain.RootName(ethPrefix(true, true), ifname)
	if err != nil {
		return err
	}
	tx := NewTransaction(d.Caps)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", root)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", root, "-s", "!", mac, "-j", "DROP")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", root, "-p", "IPv4", "-j", "ACCEPT")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", root, "-p", "ARP", "-j", "ACCEPT")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", root, "-j", "DROP")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", "PREROUTING", "-i", ifname, "-j", root)
	if err := ebtablesRenameTmpRootChainTx(tx, true, ifname); err != nil {
		return err
	}
	if err := tx.Run(d.Runner); err != nil {
		d.cleanAllEbtables(ifname)
		return fmt.Errorf("could not apply basic rules for interface %s: %w", ifname, err)
	}
	return nil
}

// ApplyDHCPOnlyRules restricts the interface to the DHCP handshake:
// client requests from its MAC, replies from the given servers (any
// server when the list is empty). With leaveTemporary the chains stay
// under their temp names for a later commit.
func (d *Driver) ApplyDHCPOnlyRules(ifname, mac string, dhcpServers []string, leaveTemporary bool) error {
	start := d.Clock.Now()
	err := d.applyDHCPOnlyRules(ifname, mac, dhcpServers, leaveTemporary)
	metrics.Get().ObserveDeployment("dhcp-only", d.Clock.Since(start), err)
	return err
}

func (d *Driver) applyDHCPOnlyRules(ifname, mac string, dhcpServers []string, leaveTemporary bool) error {
	if err := d.allTeardown(ifname); err != nil {
		return err
	}
	chainIn, err := chain.RootName(ethPrefix(true, true), ifname)
	if err != nil {
		return err
	}
	chainOut, err := chain.RootName(ethPrefix(false, true), ifname)
	if err != nil {
		return err
	}

	tx := NewTransaction(d.Caps)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", chainIn)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", chainOut)

	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", chainIn,
		"-s", mac, "-p", "ipv4", "--ip-protocol", "udp",
		"--ip-sport", "68", "--ip-dport", "67", "-j", "ACCEPT")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", chainIn, "-j", "DROP")

	// Replies are accepted to the interface MAC and to broadcast,
	// optionally narrowed to each server address.
	servers := dhcpServers
	if len(servers) == 0 {
		servers = []string{""}
	}
	for _, srv := range servers {
		for _, dst := range []string{mac, broadcastMAC} {
			args := []string{"-t", "nat", "-A", chainOut,
				"-d", dst, "-p", "ipv4", "--ip-protocol", "udp"}
			if srv != "" {
				args = append(args, "--ip-src", srv)
			}
			args = append(args, "--ip-sport", "67", "--ip-dport", "68", "-j", "ACCEPT")
			tx.Add(rule.LayerEthernet, args...)
		}
	}
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", chainOut, "-j", "DROP")

	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", "PREROUTING", "-i", ifname, "-j", chainIn)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", "POSTROUTING", "-o", ifname, "-j", chainOut)

	if !leaveTemporary {
		if err := ebtablesRenameTmpRootChainTx(tx, true, ifname); err != nil {
			return err
		}
		if err := ebtablesRenameTmpRootChainTx(tx, false, ifname); err != nil {
			return err
		}
	}
	if err := tx.Run(d.Runner); err != nil {
		d.cleanAllEbtables(ifname)
		return fmt.Errorf("could not apply DHCP rules for interface %s: %w", ifname, err)
	}
	return nil
}

// ApplyDropAllRules drops all traffic in both directions.
func (d *Driver) ApplyDropAllRules(ifname string) error {
	start := d.Clock.Now()
	err := d.applyDropAllRules(ifname)
	metrics.Get().ObserveDeployment("drop-all", d.Clock.Since(start), err)
	return err
}

func (d *Driver) applyDropAllRules(ifname string) error {
	if err := d.allTeardown(ifname); err != nil {
		return err
	}
	chainIn, err := chain.RootName(ethPrefix(true, true), ifname)
	if err != nil {
		return err
	}
	chainOut, err := chain.RootName(ethPrefix(false, true), ifname)
	if err != nil {
		return err
	}
	tx := NewTransaction(d.Caps)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", chainIn)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", chainOut)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", chainIn, "-j", "DROP")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", chainOut, "-j", "DROP")
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", "PREROUTING", "-i", ifname, "-j", chainIn)
	tx.Add(rule.LayerEthernet, "-t", "nat", "-A", "POSTROUTING", "-o", ifname, "-j", chainOut)
	if err := ebtablesRenameTmpRootChainTx(tx, true, ifname); err != nil {
		return err
	}
	if err := ebtablesRenameTmpRootChainTx(tx, false, ifname); err != nil {
		return err
	}
	if err := tx.Run(d.Runner); err != nil {
		d.cleanAllEbtables(ifname)
		return fmt.Errorf("could not apply drop-all rules for interface %s: %w", ifname, err)
	}
	return nil
}

// RemoveBasicRules removes whatever recipe chains are installed.
func (d *Driver) RemoveBasicRules(ifname string) {
	d.cleanAllEbtables(ifname)
}

// cleanAllEbtables removes every ethernet-layer chain of the
// interface, final and temporary. Best effort.
func (d *Driver) cleanAllEbtables(ifname string) {
	finalChains := ebtablesCollectSubChains(d.Runner, d.Caps, false, ifname)
	tmpChains := ebtablesCollectSubChains(d.Runner, d.Caps, true, ifname)

	tx := NewTransaction(d.Caps)
	ebtablesUnlinkRootChainTx(tx, false, true, ifname)
	ebtablesUnlinkRootChainTx(tx, false, false, ifname)
	ebtablesRemoveSubChainsTx(tx, finalChains)
	ebtablesRemoveRootChainTx(tx, false, true, ifname)
	ebtablesRemoveRootChainTx(tx, false, false, ifname)
	ebtablesUnlinkRootChainTx(tx, true, true, ifname)
	ebtablesUnlinkRootChainTx(tx, true, false, ifname)
	ebtablesRemoveSubChainsTx(tx, tmpChains)
	ebtablesRemoveRootChainTx(tx, true, true, ifname)
	ebtablesRemoveRootChainTx(tx, true, false, ifname)
	if err := tx.Run(d.Runner); err != nil {
		d.log.Debug("ebtables cleanup reported errors", "interface", ifname, "error", err)
	}
}
