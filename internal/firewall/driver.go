package firewall

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/clock"
	"grimm.is/tapguard/internal/compiler"
	"grimm.is/tapguard/internal/logging"
	"grimm.is/tapguard/internal/metrics"
	"grimm.is/tapguard/internal/rule"
)

// Driver runs deployment cycles against the host firewall. A cycle
// builds the new rule set under temporary chain names, links them into
// the dispatch points, and promotes them to final names only once
// everything else succeeded; any failure rolls the temporary state
// back, leaving the previous generation untouched.
type Driver struct {
	Runner CommandRunner
	Caps   *Capabilities
	Clock  clock.Clock

	log *logging.Logger

	warnMu           sync.Mutex
	lastBridgeNFWarn time.Time
}

func NewDriver(runner CommandRunner, caps *Capabilities) *Driver {
	return &Driver{
		Runner: runner,
		Caps:   caps,
		Clock:  &clock.RealClock{},
		log:    logging.WithComponent("firewall"),
	}
}

// CanApplyBasicRules reports whether the ethernet-layer tool is
// available for the early-boot recipes.
func (d *Driver) CanApplyBasicRules() bool {
	return len(d.Caps.Ebtables) > 0
}

// Deploy applies a rule set to an interface and commits it, replacing
// whatever generation was live before. On a commit failure the
// temporary chains are removed and the previous generation stays
// active.
func (d *Driver) Deploy(ifname string, rules []rule.FilterRule, vars map[string][]string) error {
	log := d.log.With("interface", ifname, "cycle", uuid.NewString())
	start := d.Clock.Now()
	err := d.deploy(log, ifname, rules, vars)
	metrics.Get().ObserveDeployment("deploy", d.Clock.Since(start), err)
	if err != nil {
		log.Error("deployment failed", "error", err)
	} else {
		log.Info("deployment committed", "rules", len(rules))
	}
	return err
}

func (d *Driver) deploy(log *slog.Logger, ifname string, rules []rule.FilterRule, vars map[string][]string) error {
	if err := InterfaceExists(ifname); err != nil {
		return err
	}
	if err := d.ApplyNewRules(ifname, rules, vars); err != nil {
		return err
	}
	if err := d.TearOldRules(ifname); err != nil {
		log.Warn("commit failed, rolling back temporary chains", "error", err)
		if terr := d.TearNewRules(ifname); terr != nil {
			log.Warn("rollback reported errors", "error", terr)
		}
		metrics.Get().RecordRollback()
		return fmt.Errorf("could not commit rules for interface %s: %w", ifname, err)
	}
	return nil
}

// compiled buckets the instructions of one cycle per tool family and
// records which per-protocol ebtables child chains the rules need.
type compiled struct {
	eth []chain.Instruction
	v4  []chain.Instruction
	v6  []chain.Instruction

	// chain suffix -> chain priority; chainsIn for chains reached
	// from PREROUTING (out/inout rules), chainsOut for POSTROUTING
	// (in/inout rules).
	chainsIn  map[string]int
	chainsOut map[string]int
}

func (d *Driver) compile(ifname string, rules []rule.FilterRule, vars map[string][]string) (*compiled, error) {
	env := d.Caps.Env()
	c := &compiled{
		chainsIn:  make(map[string]int),
		chainsOut: make(map[string]int),
	}
	for i := range rules {
		r := &rules[i]
		if err := r.Validate(); err != nil {
			metrics.Get().CompileErrors.Inc()
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		layer := r.Protocol.Layer()
		if _, err := d.Caps.Tool(layer); err != nil {
			return nil, err
		}
		combos, err := rule.Combinations(vars, r.Vars())
		if err != nil {
			metrics.Get().CompileErrors.Inc()
			return nil, err
		}
		for _, b := range combos {
			var insts []chain.Instruction
			if layer == rule.LayerEthernet {
				insts, err = compiler.Ethernet(r, ifname, b)
			} else {
				insts, err = compiler.IP(r, ifname, b, env)
			}
			if err != nil {
				metrics.Get().CompileErrors.Inc()
				return nil, err
			}
			switch layer {
			case rule.LayerEthernet:
				c.eth = append(c.eth, insts...)
			case rule.LayerIPv4:
				c.v4 = append(c.v4, insts...)
			default:
				c.v6 = append(c.v6, insts...)
			}
			metrics.Get().RulesCompiled.WithLabelValues(layer.String()).Inc()
		}
		if layer == rule.LayerEthernet {
			suffix := r.ChainSuffix
			if suffix == "" {
				suffix = chain.RootSuffix
			}
			prio := chain.DefaultPriority(suffix)
			if r.Direction == rule.DirectionOut || r.Direction == rule.DirectionInOut {
				c.chainsIn[suffix] = prio
			}
			if r.Direction == rule.DirectionIn || r.Direction == rule.DirectionInOut {
				c.chainsOut[suffix] = prio
			}
		}
	}
	return c, nil
}

// raiseChildPriorities lifts child-chain rules to at least their
// chain's priority, after sorting, so the merge emits the creation of
// a chain before the rules inserted into it while the rule order
// itself stays keyed on the declared priorities.
func raiseChildPriorities(insts []chain.Instruction) {
	for i := range insts {
		if insts[i].Suffix == chain.RootSuffix {
			continue
		}
		if p := chain.DefaultPriority(insts[i].Suffix); p > insts[i].Priority {
			insts[i].Priority = p
		}
	}
}

// subChainInstructions builds the creation units for every needed
// per-protocol child chain, ordered by chain priority.
func (c *compiled) subChainInstructions(ifname string) ([]chain.Instruction, error) {
	var insts []chain.Instruction
	add := func(m map[string]int, incoming bool) error {
		suffixes := make([]string, 0, len(m))
		for s := range m {
			if s != chain.RootSuffix {
				suffixes = append(suffixes, s)
			}
		}
		sort.Strings(suffixes)
		for _, s := range suffixes {
			inst, err := compiler.EthernetSubChain(incoming, ifname, s, m[s])
			if err != nil {
				return err
			}
			insts = append(insts, inst)
		}
		return nil
	}
	if err := add(c.chainsIn, true); err != nil {
		return nil, err
	}
	if err := add(c.chainsOut, false); err != nil {
		return nil, err
	}
	sort.SliceStable(insts, func(i, j int) bool {
		return insts[i].Priority < insts[j].Priority
	})
	return insts, nil
}

// ApplyNewRules compiles the rule set and builds it up under temporary
// chain names, linked into the dispatch points but not yet promoted.
// On failure every temporary chain is removed again.
func (d *Driver) ApplyNewRules(ifname string, rules []rule.FilterRule, vars map[string][]string) error {
	c, err := d.compile(ifname, rules, vars)
	if err != nil {
		return err
	}
	chain.Sort(c.eth)
	chain.Sort(c.v4)
	chain.Sort(c.v6)
	raiseChildPriorities(c.eth)

	if len(c.eth) > 0 {
		d.tearStaleEbtables(ifname)
	}

	if err := d.applyEbtables(ifname, c); err != nil {
		return d.failApply(ifname, err)
	}
	if len(c.v4) > 0 {
		if err := d.applyIPFamily(rule.LayerIPv4, ifname, c.v4); err != nil {
			return d.failApply(ifname, err)
		}
		d.checkBridgeNFCall(false)
	}
	if len(c.v6) > 0 {
		if err := d.applyIPFamily(rule.LayerIPv6, ifname, c.v6); err != nil {
			return d.failApply(ifname, err)
		}
		d.checkBridgeNFCall(true)
	}
	if err := d.linkEbtables(ifname, c); err != nil {
		return d.failApply(ifname, err)
	}
	return nil
}

func (d *Driver) failApply(ifname string, err error) error {
	d.log.Warn("apply failed, rolling back temporary chains",
		"interface", ifname, "error", err)
	if terr := d.TearNewRules(ifname); terr != nil {
		d.log.Warn("rollback reported errors", "interface", ifname, "error", terr)
	}
	metrics.Get().RecordRollback()
	return fmt.Errorf("some rules could not be created for interface %s: %w", ifname, err)
}

// tearStaleEbtables clears temporary chains a crashed or interrupted
// earlier cycle may have left behind. Best effort.
func (d *Driver) tearStaleEbtables(ifname string) {
	tool, err := d.Caps.ShellTool(rule.LayerEthernet)
	if err != nil {
		return
	}
	chains := ebtablesCollectSubChains(d.Runner, d.Caps, true, ifname)
	s := NewScript()
	s.Tool(rule.LayerEthernet, tool)
	ebtablesUnlinkRootChain(s, true, true, ifname)
	ebtablesUnlinkRootChain(s, true, false, ifname)
	ebtablesRemoveSubChains(s, chains)
	ebtablesRemoveRootChain(s, true, true, ifname)
	ebtablesRemoveRootChain(s, true, false, ifname)
	if err := s.Run(d.Runner); err != nil {
		d.log.Debug("stale chain cleanup reported errors",
			"interface", ifname, "error", err)
	}
}

// applyEbtables creates the temporary root chains, then streams the
// merged chain-creation and rule commands: a child chain's creation
// unit is emitted right before the first rule whose priority passes it.
func (d *Driver) applyEbtables(ifname string, c *compiled) error {
	if len(c.eth) == 0 {
		return nil
	}
	tool, err := d.Caps.ShellTool(rule.LayerEthernet)
	if err != nil {
		return err
	}

	s := NewScript()
	s.Tool(rule.LayerEthernet, tool)
	if len(c.chainsIn) > 0 {
		if err := ebtablesCreateTmpRootChain(s, true, ifname); err != nil {
			return err
		}
	}
	if len(c.chainsOut) > 0 {
		if err := ebtablesCreateTmpRootChain(s, false, ifname); err != nil {
			return err
		}
	}
	if err := s.Run(d.Runner); err != nil {
		return err
	}

	subs, err := c.subChainInstructions(ifname)
	if err != nil {
		return err
	}
	s = NewScript()
	s.Tool(rule.LayerEthernet, tool)
	j := 0
	for _, inst := range c.eth {
		for j < len(subs) && subs[j].Priority <= inst.Priority {
			s.Instruction(subs[j])
			j++
		}
		s.Instruction(inst)
	}
	for ; j < len(subs); j++ {
		s.Instruction(subs[j])
	}
	return s.Run(d.Runner)
}

// applyIPFamily builds one IP family: clear stale temp chains, ensure
// the base chains and their pinned dispatch jumps, create and link the
// per-interface temporary chains, then insert the compiled rules.
func (d *Driver) applyIPFamily(layer rule.Layer, ifname string, insts []chain.Instruction) error {
	tx := NewTransaction(d.Caps)
	iptablesUnlinkRootChainsTx(tx, layer, ifname, true)
	iptablesRemoveRootChainsTx(tx, layer, ifname, true)
	iptablesCreateBaseChainsTx(tx, layer)
	if err := tx.Run(d.Runner); err != nil {
		return err
	}

	tx = NewTransaction(d.Caps)
	if err := iptablesCreateTmpRootChainsTx(tx, layer, ifname); err != nil {
		return err
	}
	if err := tx.Run(d.Runner); err != nil {
		return err
	}

	tx = NewTransaction(d.Caps)
	if err := iptablesLinkTmpRootChainsTx(tx, layer, ifname); err != nil {
		return err
	}
	iptablesSetupVirtInPostTx(tx, layer, ifname)
	if err := tx.Run(d.Runner); err != nil {
		return err
	}

	tool, err := d.Caps.ShellTool(layer)
	if err != nil {
		return err
	}
	s := NewScript()
	s.Tool(layer, tool)
	for _, inst := range insts {
		s.Instruction(inst)
	}
	return s.Run(d.Runner)
}

// linkEbtables hooks the temporary ethernet root chains into
// PREROUTING and POSTROUTING, the last step before commit.
func (d *Driver) linkEbtables(ifname string, c *compiled) error {
	if len(c.eth) == 0 {
		return nil
	}
	tool, err := d.Caps.ShellTool(rule.LayerEthernet)
	if err != nil {
		return err
	}
	s := NewScript()
	s.Tool(rule.LayerEthernet, tool)
	if len(c.chainsIn) > 0 {
		if err := ebtablesLinkTmpRootChain(s, true, ifname); err != nil {
			return err
		}
	}
	if len(c.chainsOut) > 0 {
		if err := ebtablesLinkTmpRootChain(s, false, ifname); err != nil {
			return err
		}
	}
	return s.Run(d.Runner)
}

// TearNewRules removes the temporary chains of an aborted cycle.
// Every command tolerates failure, so the operation is idempotent.
func (d *Driver) TearNewRules(ifname string) error {
	tmpChains := ebtablesCollectSubChains(d.Runner, d.Caps, true, ifname)
	tx := NewTransaction(d.Caps)
	for _, layer := range []rule.Layer{rule.LayerIPv4, rule.LayerIPv6} {
		iptablesUnlinkRootChainsTx(tx, layer, ifname, true)
		iptablesRemoveRootChainsTx(tx, layer, ifname, true)
	}
	ebtablesUnlinkRootChainTx(tx, true, true, ifname)
	ebtablesUnlinkRootChainTx(tx, true, false, ifname)
	ebtablesRemoveSubChainsTx(tx, tmpChains)
	ebtablesRemoveRootChainTx(tx, true, true, ifname)
	ebtablesRemoveRootChainTx(tx, true, false, ifname)
	return tx.Run(d.Runner)
}

// TearOldRules removes the previous final generation and promotes the
// temporary chains to final names. The renames are checked: when a
// promotion fails the caller rolls back via TearNewRules.
func (d *Driver) TearOldRules(ifname string) error {
	tx := NewTransaction(d.Caps)
	for _, layer := range []rule.Layer{rule.LayerIPv4, rule.LayerIPv6} {
		iptablesUnlinkRootChainsTx(tx, layer, ifname, false)
		iptablesRemoveRootChainsTx(tx, layer, ifname, false)
		if d.ipTmpRootExists(layer, ifname) {
			if err := iptablesRenameTmpRootChainsTx(tx, layer, ifname); err != nil {
				return err
			}
		}
	}

	finalChains := ebtablesCollectSubChains(d.Runner, d.Caps, false, ifname)
	tmpChains := ebtablesCollectSubChains(d.Runner, d.Caps, true, ifname)
	ebtablesUnlinkRootChainTx(tx, false, true, ifname)
	ebtablesUnlinkRootChainTx(tx, false, false, ifname)
	ebtablesRemoveSubChainsTx(tx, finalChains)
	ebtablesRemoveRootChainTx(tx, false, true, ifname)
	ebtablesRemoveRootChainTx(tx, false, false, ifname)
	ebtablesRenameTmpSubChainsTx(tx, tmpChains)
	for _, incoming := range []bool{true, false} {
		if d.ethTmpRootExists(incoming, ifname) {
			if err := ebtablesRenameTmpRootChainTx(tx, incoming, ifname); err != nil {
				return err
			}
		}
	}
	return tx.Run(d.Runner)
}

// AllTeardown removes every chain of the interface, final and
// temporary, including its in-post accept rule. Used when the
// interface goes away entirely; ignores all errors.
func (d *Driver) AllTeardown(ifname string) error {
	start := d.Clock.Now()
	err := d.allTeardown(ifname)
	metrics.Get().ObserveDeployment("teardown", d.Clock.Since(start), err)
	return err
}

func (d *Driver) allTeardown(ifname string) error {
	finalChains := ebtablesCollectSubChains(d.Runner, d.Caps, false, ifname)
	tmpChains := ebtablesCollectSubChains(d.Runner, d.Caps, true, ifname)

	tx := NewTransaction(d.Caps)
	for _, layer := range []rule.Layer{rule.LayerIPv4, rule.LayerIPv6} {
		iptablesUnlinkRootChainsTx(tx, layer, ifname, false)
		iptablesClearVirtInPostTx(tx, layer, ifname)
		iptablesRemoveRootChainsTx(tx, layer, ifname, false)
		iptablesUnlinkRootChainsTx(tx, layer, ifname, true)
		iptablesRemoveRootChainsTx(tx, layer, ifname, true)
	}
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
	return tx.Run(d.Runner)
}

func (d *Driver) ipTmpRootExists(layer rule.Layer, ifname string) bool {
	argv, err := d.Caps.Tool(layer)
	if err != nil {
		return false
	}
	name, err := chain.IPRootName(chain.FwdInTemp, ifname)
	if err != nil {
		return false
	}
	args := append(argv[:len(argv):len(argv)], "-n", "-L", name)
	execMu.Lock()
	defer execMu.Unlock()
	_, err = d.Runner.Output(args[0], args[1:]...)
	return err == nil
}

func (d *Driver) ethTmpRootExists(incoming bool, ifname string) bool {
	argv, err := d.Caps.Tool(rule.LayerEthernet)
	if err != nil {
		return false
	}
	root, err := chain.RootName(ethPrefix(incoming, true), ifname)
	if err != nil {
		return false
	}
	args := append(argv[:len(argv):len(argv)], "-t", "nat", "-L", root)
	execMu.Lock()
	defer execMu.Unlock()
	_, err = d.Runner.Output(args[0], args[1:]...)
	return err == nil
}

const bridgeNFWarnInterval = 10 * time.Second

// checkBridgeNFCall warns, rate limited, when the sysctl routing
// bridged traffic through the IP tables is off, because the freshly
// installed rules will then never see any packets.
func (d *Driver) checkBridgeNFCall(ipv6 bool) {
	file := "/proc/sys/net/bridge/bridge-nf-call-iptables"
	if ipv6 {
		file = "/proc/sys/net/bridge/bridge-nf-call-ip6tables"
	}
	buf, err := os.ReadFile(file)
	if err != nil || strings.TrimSpace(string(buf)) == "1" {
		return
	}
	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	if !d.lastBridgeNFWarn.IsZero() &&
		d.Clock.Since(d.lastBridgeNFWarn) < bridgeNFWarnInterval {
		return
	}
	d.lastBridgeNFWarn = d.Clock.Now()
	d.log.Warn("IP rules on bridged traffic are disabled", "sysctl", file)
}
