package firewall

import (
	"strings"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// ethPrefix maps direction and temp/final to the root chain prefix.
// Incoming chains hang off PREROUTING, outgoing off POSTROUTING.
func ethPrefix(incoming, temp bool) byte {
	switch {
	case incoming && temp:
		return chain.HostInTemp
	case incoming:
		return chain.HostIn
	case temp:
		return chain.HostOutTemp
	}
	return chain.HostOut
}

// Script-dialect helpers used on the apply path.

func ebtablesCreateTmpRootChain(s *Script, incoming bool, ifname string) error {
	root, err := chain.RootName(ethPrefix(incoming, true), ifname)
	if err != nil {
		return err
	}
	s.Command(rule.LayerEthernet, "-t nat -N "+root)
	return nil
}

func ebtablesLinkTmpRootChain(s *Script, incoming bool, ifname string) error {
	root, err := chain.RootName(ethPrefix(incoming, true), ifname)
	if err != nil {
		return err
	}
	if incoming {
		s.Command(rule.LayerEthernet, "-t nat -A PREROUTING -i "+ifname+" -j "+root)
	} else {
		s.Command(rule.LayerEthernet, "-t nat -A POSTROUTING -o "+ifname+" -j "+root)
	}
	return nil
}

func ebtablesUnlinkRootChain(s *Script, temp, incoming bool, ifname string) error {
	root, err := chain.RootName(ethPrefix(incoming, temp), ifname)
	if err != nil {
		return err
	}
	if incoming {
		s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -D PREROUTING -i "+ifname+" -j "+root)
	} else {
		s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -D POSTROUTING -o "+ifname+" -j "+root)
	}
	return nil
}

func ebtablesRemoveRootChain(s *Script, temp, incoming bool, ifname string) error {
	root, err := chain.RootName(ethPrefix(incoming, temp), ifname)
	if err != nil {
		return err
	}
	s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -F "+root)
	s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -X "+root)
	return nil
}

// ebtablesRemoveSubChains flushes every chain before deleting any so
// cross-references between them never block deletion.
func ebtablesRemoveSubChains(s *Script, chains []string) {
	for _, c := range chains {
		s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -F "+c)
	}
	for _, c := range chains {
		s.CommandIgnoreErrors(rule.LayerEthernet, "-t nat -X "+c)
	}
}

// Transaction-dialect counterparts used by the teardown operations.

func ebtablesUnlinkRootChainTx(tx *Transaction, temp, incoming bool, ifname string) {
	root, err := chain.RootName(ethPrefix(incoming, temp), ifname)
	if err != nil {
		return
	}
	if incoming {
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-D", "PREROUTING", "-i", ifname, "-j", root)
	} else {
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-D", "POSTROUTING", "-o", ifname, "-j", root)
	}
}

func ebtablesRemoveRootChainTx(tx *Transaction, temp, incoming bool, ifname string) {
	root, err := chain.RootName(ethPrefix(incoming, temp), ifname)
	if err != nil {
		return
	}
	tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-F", root)
	tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-X", root)
}

func ebtablesRemoveSubChainsTx(tx *Transaction, chains []string) {
	for _, c := range chains {
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-F", c)
	}
	for _, c := range chains {
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-X", c)
	}
}

// ebtablesRenameTmpSubChainsTx promotes discovered temp child chains to
// their final names. A leftover final chain of the same name is cleared
// first; the rename itself is checked so a failed promotion surfaces.
func ebtablesRenameTmpSubChainsTx(tx *Transaction, chains []string) {
	for _, tmp := range chains {
		parsed, err := chain.Parse(tmp)
		if err != nil || parsed.Root {
			continue
		}
		finalPrefix, ok := chain.TempToFinal(parsed.Prefix[0])
		if !ok {
			continue
		}
		final, err := chain.ChildName(finalPrefix, parsed.Interface, parsed.Suffix)
		if err != nil {
			continue
		}
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-F", final)
		tx.AddIgnoreErrors(rule.LayerEthernet, "-t", "nat", "-X", final)
		tx.Add(rule.LayerEthernet, "-t", "nat", "-E", tmp, final)
	}
}

func ebtablesRenameTmpRootChainTx(tx *Transaction, incoming bool, ifname string) error {
	tmp, err := chain.RootName(ethPrefix(incoming, true), ifname)
	if err != nil {
		return err
	}
	final, err := chain.RootName(ethPrefix(incoming, false), ifname)
	if err != nil {
		return err
	}
	tx.Add(rule.LayerEthernet, "-t", "nat", "-E", tmp, final)
	return nil
}

// ebtablesCollectSubChains walks the nat table from the interface root
// chains and returns every reachable child chain, parents before
// children. Foreign chains and the other temp/final generation are
// skipped; listing failures end that branch.
func ebtablesCollectSubChains(r CommandRunner, caps *Capabilities, temp bool, ifname string) []string {
	argv, err := caps.Tool(rule.LayerEthernet)
	if err != nil {
		return nil
	}
	execMu.Lock()
	defer execMu.Unlock()

	var chains []string
	for _, incoming := range []bool{true, false} {
		root, err := chain.RootName(ethPrefix(incoming, temp), ifname)
		if err != nil {
			continue
		}
		chains = append(chains, collectEbtablesChains(r, argv, root, temp, ifname)...)
	}
	return chains
}

func collectEbtablesChains(r CommandRunner, argv []string, name string, temp bool, ifname string) []string {
	args := append(argv[:len(argv):len(argv)], "-t", "nat", "-L", name)
	out, err := r.Output(args[0], args[1:]...)
	if err != nil {
		return nil
	}
	var found []string
	for _, line := range strings.Split(string(out), "\n") {
		target := jumpTarget(line)
		if target == "" {
			continue
		}
		parsed, err := chain.Parse(target)
		if err != nil || parsed.Root || parsed.Temporary != temp || parsed.Interface != ifname {
			continue
		}
		found = append(found, target)
		found = append(found, collectEbtablesChains(r, argv, target, temp, ifname)...)
	}
	return found
}

func jumpTarget(line string) string {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "-j" {
			return fields[i+1]
		}
	}
	return ""
}
