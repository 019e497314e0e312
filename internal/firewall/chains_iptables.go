package firewall

import (
	"strconv"
	"strings"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// Base chains owned by tapguard inside the system tables. Traffic is
// handed to them by jump rules pinned at fixed positions so
// per-interface dispatch always runs before any other FORWARD/INPUT
// processing.
const (
	virtInChain     = chain.Marker + "-in"
	virtOutChain    = chain.Marker + "-out"
	virtInPostChain = chain.Marker + "-in-post"
	hostInChain     = chain.Marker + "-host-in"
)

type baseChain struct {
	name string
	sys  string
	pos  int
}

var baseChains = []baseChain{
	{virtInChain, "FORWARD", 1},
	{virtOutChain, "FORWARD", 2},
	{virtInPostChain, "FORWARD", 3},
	{hostInChain, "INPUT", 1},
}

// ipRootNames returns the per-interface root chain names in
// out / in / host-in order.
func ipRootNames(ifname string, temp bool) (out, in, hostIn string, err error) {
	po, pi, ph := chain.FwdOut, chain.FwdIn, chain.HostInIP
	if temp {
		po, pi, ph = chain.FwdOutTemp, chain.FwdInTemp, chain.HostInTmpIP
	}
	if out, err = chain.IPRootName(po, ifname); err != nil {
		return
	}
	if in, err = chain.IPRootName(pi, ifname); err != nil {
		return
	}
	hostIn, err = chain.IPRootName(ph, ifname)
	return
}

// iptablesCreateBaseChainsTx creates the base chains (tolerating
// pre-existing ones) and pins their jump rules. Each base chain is
// pinned from its own listing query, queued only after the previous
// chain's corrections, so every position is read after the inserts
// and deletes that could shift it.
func iptablesCreateBaseChainsTx(tx *Transaction, layer rule.Layer) {
	for _, bc := range baseChains {
		tx.AddIgnoreErrors(layer, "-N", bc.name)
	}
	queueBaseChainPin(tx, layer, 0)
}

// queueBaseChainPin queues the listing query for base chain i. The
// callback emits the correction for that one chain, then queues the
// query for the next; the transaction executes appended commands in
// order, so each listing reflects all earlier corrections.
func queueBaseChainPin(tx *Transaction, layer rule.Layer, i int) {
	if i >= len(baseChains) {
		return
	}
	bc := baseChains[i]
	tx.AddQuery(layer, func(tx *Transaction, listing string) error {
		if found := listedPosition(listing, bc.name); found != bc.pos {
			tx.Add(layer, "-I", bc.sys, strconv.Itoa(bc.pos), "-j", bc.name)
			if found != 0 {
				// The insert shifted the stale copy down one line.
				tx.Add(layer, "-D", bc.sys, strconv.Itoa(found+1))
			}
		}
		queueBaseChainPin(tx, layer, i+1)
		return nil
	}, "-L", bc.sys, "-n", "--line-number")
}

// listedPosition returns the line number of the first rule targeting
// name in a --line-number listing, or 0 when absent.
func listedPosition(listing, name string) int {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != name {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			return n
		}
	}
	return 0
}

func iptablesCreateTmpRootChainsTx(tx *Transaction, layer rule.Layer, ifname string) error {
	out, in, hostIn, err := ipRootNames(ifname, true)
	if err != nil {
		return err
	}
	tx.Add(layer, "-N", out)
	tx.Add(layer, "-N", in)
	tx.Add(layer, "-N", hostIn)
	return nil
}

func iptablesLinkTmpRootChainsTx(tx *Transaction, layer rule.Layer, ifname string) error {
	out, in, hostIn, err := ipRootNames(ifname, true)
	if err != nil {
		return err
	}
	tx.Add(layer, "-A", virtOutChain,
		"-m", "physdev", "--physdev-is-bridged", "--physdev-out", ifname, "-g", out)
	tx.Add(layer, "-A", virtInChain,
		"-m", "physdev", "--physdev-in", ifname, "-g", in)
	tx.Add(layer, "-A", hostInChain,
		"-m", "physdev", "--physdev-in", ifname, "-g", hostIn)
	return nil
}

// iptablesUnlinkRootChainsTx removes the dispatch rules for one
// generation of root chains. The outgoing rule is deleted in both its
// current form and the legacy form without --physdev-is-bridged.
func iptablesUnlinkRootChainsTx(tx *Transaction, layer rule.Layer, ifname string, temp bool) {
	out, in, hostIn, err := ipRootNames(ifname, temp)
	if err != nil {
		return
	}
	tx.AddIgnoreErrors(layer, "-D", virtOutChain,
		"-m", "physdev", "--physdev-is-bridged", "--physdev-out", ifname, "-g", out)
	tx.AddIgnoreErrors(layer, "-D", virtOutChain,
		"-m", "physdev", "--physdev-out", ifname, "-g", out)
	tx.AddIgnoreErrors(layer, "-D", virtInChain,
		"-m", "physdev", "--physdev-in", ifname, "-g", in)
	tx.AddIgnoreErrors(layer, "-D", hostInChain,
		"-m", "physdev", "--physdev-in", ifname, "-g", hostIn)
}

func iptablesRemoveRootChainsTx(tx *Transaction, layer rule.Layer, ifname string, temp bool) {
	out, in, hostIn, err := ipRootNames(ifname, temp)
	if err != nil {
		return
	}
	for _, c := range []string{out, in, hostIn} {
		tx.AddIgnoreErrors(layer, "-F", c)
		tx.AddIgnoreErrors(layer, "-X", c)
	}
}

// iptablesRenameTmpRootChainsTx promotes the temp root chains. The
// renames are checked: a failed promotion must surface so the caller
// can roll back instead of leaving a half-committed generation.
func iptablesRenameTmpRootChainsTx(tx *Transaction, layer rule.Layer, ifname string) error {
	tmpOut, tmpIn, tmpHostIn, err := ipRootNames(ifname, true)
	if err != nil {
		return err
	}
	out, in, hostIn, err := ipRootNames(ifname, false)
	if err != nil {
		return err
	}
	tx.Add(layer, "-E", tmpOut, out)
	tx.Add(layer, "-E", tmpIn, in)
	tx.Add(layer, "-E", tmpHostIn, hostIn)
	return nil
}

// iptablesSetupVirtInPostTx appends the interface's accept rule to the
// in-post chain unless the listing already shows it.
func iptablesSetupVirtInPostTx(tx *Transaction, layer rule.Layer, ifname string) {
	tx.AddQuery(layer, func(tx *Transaction, out string) error {
		if physdevInPresent(out, ifname) {
			return nil
		}
		tx.Add(layer, "-A", virtInPostChain,
			"-m", "physdev", "--physdev-in", ifname, "-j", "ACCEPT")
		return nil
	}, "-n", "-L", virtInPostChain)
}

func iptablesClearVirtInPostTx(tx *Transaction, layer rule.Layer, ifname string) {
	tx.AddIgnoreErrors(layer, "-D", virtInPostChain,
		"-m", "physdev", "--physdev-in", ifname, "-j", "ACCEPT")
}

func physdevInPresent(listing, ifname string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "--physdev-in" && fields[i+1] == ifname {
				return true
			}
		}
	}
	return false
}
