package compiler

import (
	"fmt"
	"strings"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// CtdirStatus encodes what --ctdir Original/Reply mean on the running
// kernel. Their meaning flipped in Linux 2.6.39.
type CtdirStatus int

const (
	CtdirUnknown CtdirStatus = iota
	CtdirCorrected
	CtdirOld
)

func (s CtdirStatus) String() string {
	switch s {
	case CtdirCorrected:
		return "corrected"
	case CtdirOld:
		return "old"
	}
	return "unknown"
}

// Env carries the probed tool behaviors the IP compiler depends on.
type Env struct {
	Ctdir CtdirStatus

	// ConntrackState selects -m conntrack --ctstate over the legacy
	// -m state --state for the implicit state matches.
	ConntrackState bool
}

func (env Env) stateMatch(states string) string {
	if env.ConntrackState {
		return "-m conntrack --ctstate " + states
	}
	return "-m state --state " + states
}

// IP compiles an IP-layer rule into iptables/ip6tables append
// commands. A rule expands into up to three templates: one in the
// forward-in temp chain, one in the forward-out temp chain and one in
// the host-in temp chain, so traffic is matched both when forwarded
// across the bridge and when addressed to the host itself.
func IP(r *rule.FilterRule, ifname string, b rule.Binding, env Env) ([]chain.Instruction, error) {
	if r.Protocol.Layer() == rule.LayerEthernet {
		return nil, fmt.Errorf("%s is not an IP-layer protocol", r.Protocol)
	}

	if !r.NoStateMatch && r.IP != nil && r.IP.State != 0 {
		return ipExplicitState(r, ifname, b, env)
	}

	directionIn := r.Direction == rule.DirectionIn || r.Direction == rule.DirectionInOut
	inout := r.Direction == rule.DirectionInOut
	needState := !inout && !r.NoStateMatch

	stateFor := func(in bool) string {
		if !needState {
			return ""
		}
		if in {
			return env.stateMatch("ESTABLISHED")
		}
		return env.stateMatch("NEW,ESTABLISHED")
	}

	var out []chain.Instruction
	add := func(inst *chain.Instruction) {
		if inst != nil {
			out = append(out, *inst)
		}
	}

	inst, err := ipOne(r, ifname, b, env, variant{
		directionIn:  directionIn,
		chainPrefix:  chain.FwdInTemp,
		match:        stateFor(directionIn),
		defMatch:     true,
		acceptTarget: "RETURN",
		maySkipICMP:  directionIn || inout,
	})
	if err != nil {
		return nil, err
	}
	add(inst)

	inst, err = ipOne(r, ifname, b, env, variant{
		directionIn:  !directionIn,
		chainPrefix:  chain.FwdOutTemp,
		match:        stateFor(!directionIn),
		defMatch:     true,
		acceptTarget: "ACCEPT",
		maySkipICMP:  !directionIn || inout,
	})
	if err != nil {
		return nil, err
	}
	add(inst)

	inst, err = ipOne(r, ifname, b, env, variant{
		directionIn:  directionIn,
		chainPrefix:  chain.HostInTmpIP,
		match:        stateFor(directionIn),
		defMatch:     true,
		acceptTarget: "RETURN",
		maySkipICMP:  directionIn,
	})
	if err != nil {
		return nil, err
	}
	add(inst)

	return out, nil
}

// ipExplicitState expands a rule that declares its own state set. At
// most one template is created per declared traffic direction and the
// declared states replace the implicit ones.
func ipExplicitState(r *rule.FilterRule, ifname string, b rule.Binding, env Env) ([]chain.Instruction, error) {
	directionIn := r.Direction == rule.DirectionIn || r.Direction == rule.DirectionInOut
	inout := r.Direction == rule.DirectionInOut

	// Explicit states always use the legacy state module.
	match := "-m state --state " + r.IP.State.String()

	var out []chain.Instruction
	add := func(inst *chain.Instruction) {
		if inst != nil {
			out = append(out, *inst)
		}
	}

	if !(directionIn && !inout) {
		inst, err := ipOne(r, ifname, b, env, variant{
			directionIn:  directionIn,
			chainPrefix:  chain.FwdInTemp,
			match:        match,
			acceptTarget: "RETURN",
			maySkipICMP:  directionIn || inout,
		})
		if err != nil {
			return nil, err
		}
		add(inst)
	}

	if directionIn {
		inst, err := ipOne(r, ifname, b, env, variant{
			directionIn:  !directionIn,
			chainPrefix:  chain.FwdOutTemp,
			match:        match,
			acceptTarget: "ACCEPT",
			maySkipICMP:  !directionIn || inout,
		})
		if err != nil {
			return nil, err
		}
		add(inst)
	}

	if !(directionIn && !inout) {
		inst, err := ipOne(r, ifname, b, env, variant{
			directionIn:  directionIn,
			chainPrefix:  chain.HostInTmpIP,
			match:        match,
			acceptTarget: "RETURN",
			maySkipICMP:  directionIn,
		})
		if err != nil {
			return nil, err
		}
		add(inst)
	}

	return out, nil
}

// variant parameterizes one of the up-to-three templates of an
// IP-layer rule.
type variant struct {
	directionIn  bool
	chainPrefix  string
	match        string
	defMatch     bool
	acceptTarget string
	maySkipICMP  bool
}

// ipOne compiles one template. A nil instruction with nil error means
// the variant is deliberately not rendered.
func ipOne(r *rule.FilterRule, ifname string, b rule.Binding, env Env, v variant) (*chain.Instruction, error) {
	name, err := chain.IPRootName(v.chainPrefix, ifname)
	if err != nil {
		return nil, err
	}

	e := &ebuf{b: b}
	e.sb.WriteString("-A ")
	e.sb.WriteString(name)
	e.lit("-p " + r.Protocol.L4Name())

	bufUsed := e.sb.Len()

	var (
		srcMacSkipped bool
		skipRule      bool
		skipMatch     bool
		hasICMPType   bool
		afterState    strings.Builder
		commentLine   string
	)

	if h := r.IP; h != nil {
		if h.SrcMAC != nil {
			if v.directionIn {
				srcMacSkipped = true
			} else {
				e.lit("-m mac", negSign(h.SrcMAC), "--mac-source",
					e.resolve(h.SrcMAC, maxMACLen))
			}
		}
		if err := ipHdr(e, &afterState, &commentLine, h, v.directionIn,
			&skipRule, &skipMatch); err != nil {
			return nil, err
		}
	}

	switch r.Protocol {
	case rule.ProtoTCP, rule.ProtoTCPv6:
		if t := r.TCP; t != nil && t.FlagsSet {
			neg := ""
			if t.FlagsNegated {
				neg = "!"
			}
			e.lit(neg, "--tcp-flags", t.FlagsMask, t.Flags)
		}
		ipPorts(e, r.Ports, v.directionIn)
		if t := r.TCP; t != nil && t.Option != nil {
			e.lit(negSign(t.Option), "--tcp-option",
				e.resolve(t.Option, maxNumberLen))
		}

	case rule.ProtoUDP, rule.ProtoUDPv6, rule.ProtoSCTP, rule.ProtoSCTPv6:
		ipPorts(e, r.Ports, v.directionIn)

	case rule.ProtoICMP, rule.ProtoICMPv6:
		if h := r.ICMP; h != nil && h.Type != nil {
			hasICMPType = true
			if v.maySkipICMP {
				return nil, nil
			}
			flag := "--icmp-type"
			if r.Protocol == rule.ProtoICMPv6 {
				flag = "--icmpv6-type"
			}
			val := e.resolve(h.Type, maxNumberLen)
			if h.Code != nil {
				val += "/" + e.resolve(h.Code, maxNumberLen)
			}
			e.lit(negSign(h.Type), flag, val)
		}
	}

	if e.err != nil {
		return nil, e.err
	}

	if (srcMacSkipped && e.sb.Len() == bufUsed) || skipRule {
		return nil, nil
	}

	target := v.acceptTarget
	if r.Action != rule.ActionAccept {
		target = r.Action.Target()
		skipMatch = v.defMatch
	}

	if v.match != "" && !skipMatch {
		e.lit(v.match)
	}

	if v.defMatch && v.match != "" && !skipMatch && !hasICMPType {
		ctdir(e, env, r.Direction, v.directionIn)
	}

	if afterState.Len() > 0 {
		e.sb.WriteString(afterState.String())
	}

	e.lit("-j", target)

	if e.err != nil {
		return nil, e.err
	}

	suffix := r.ChainSuffix
	if suffix == "" {
		suffix = chain.RootSuffix
	}
	inst := chain.Instruction{
		Layer:    r.Protocol.Layer(),
		Suffix:   suffix,
		Priority: r.Priority,
	}
	if commentLine != "" {
		inst.Lines = append(inst.Lines, chain.Line{Raw: commentLine})
	}
	inst.Lines = append(inst.Lines, chain.Line{Cmd: e.sb.String(), CheckError: true})
	return &inst, nil
}

// ctdir pins the connection direction on stateful matches. Omitted
// entirely when the kernel semantics could not be determined, and for
// inout rules which match both directions anyway.
func ctdir(e *ebuf, env Env, tt rule.Direction, directionIn bool) {
	switch env.Ctdir {
	case CtdirUnknown:
		return
	case CtdirCorrected:
		directionIn = !directionIn
	case CtdirOld:
	}
	if tt == rule.DirectionInOut {
		return
	}
	dir := "Reply"
	if directionIn {
		dir = "Original"
	}
	e.lit("-m conntrack --ctdir " + dir)
}

// ipHdr emits the shared L3 matches. The inbound compile swaps the
// source and destination flags. ipset, connlimit and comment matches
// collect into afterState so they land behind the state match.
func ipHdr(e *ebuf, afterState *strings.Builder, commentLine *string,
	h *rule.IPHeader, directionIn bool, skipRule, skipMatch *bool) error {

	src, dst := "--source", "--destination"
	srcrange, dstrange := "--src-range", "--dst-range"
	if directionIn {
		src, dst = dst, src
		srcrange, dstrange = dstrange, srcrange
	}

	if h.IPSet != nil && len(h.IPSetFlags) > 0 {
		name, err := field(h.IPSet, e.b, maxSetNameLen)
		if err != nil {
			return err
		}
		fmt.Fprintf(afterState, " -m set --match-set %q %s",
			name, ipsetFlags(h.IPSetFlags, directionIn))
	}

	if h.SrcIP != nil {
		v := e.resolve(h.SrcIP, maxAddrLen)
		if h.SrcIPMask != nil {
			v += "/" + e.resolve(h.SrcIPMask, maxNumberLen)
		}
		e.lit(negSign(h.SrcIP), src, v)
	} else if h.SrcIPFrom != nil {
		v := e.resolve(h.SrcIPFrom, maxAddrLen)
		if h.SrcIPTo != nil {
			v += "-" + e.resolve(h.SrcIPTo, maxAddrLen)
		}
		e.lit("-m iprange", negSign(h.SrcIPFrom), srcrange, v)
	}

	if h.DstIP != nil {
		v := e.resolve(h.DstIP, maxAddrLen)
		if h.DstIPMask != nil {
			v += "/" + e.resolve(h.DstIPMask, maxNumberLen)
		}
		e.lit(negSign(h.DstIP), dst, v)
	} else if h.DstIPFrom != nil {
		v := e.resolve(h.DstIPFrom, maxAddrLen)
		if h.DstIPTo != nil {
			v += "-" + e.resolve(h.DstIPTo, maxAddrLen)
		}
		e.lit("-m iprange", negSign(h.DstIPFrom), dstrange, v)
	}

	if h.DSCP != nil {
		e.lit("-m dscp", negSign(h.DSCP), "--dscp",
			e.resolve(h.DSCP, maxNumberLen))
	}

	if h.ConnlimitAbove != nil {
		if directionIn {
			// Connection limiting is only supported on the
			// outgoing direction.
			*skipRule = true
		} else {
			v, err := field(h.ConnlimitAbove, e.b, maxNumberLen)
			if err != nil {
				return err
			}
			fmt.Fprintf(afterState, " -m connlimit %s--connlimit-above %s",
				negPrefix(h.ConnlimitAbove), v)
			*skipMatch = true
		}
	}

	if h.Comment != "" {
		*commentLine = shellComment(h.Comment)
		// Comments are packet-evaluation no-ops, keep them last.
		afterState.WriteString(` -m comment --comment "$comment"`)
	}

	return e.err
}

func negPrefix(item *rule.MatchItem) string {
	if item.Negated {
		return "! "
	}
	return ""
}

// ipPorts emits the L4 port matches, swapping --sport and --dport on
// the inbound compile.
func ipPorts(e *ebuf, p *rule.PortHeader, directionIn bool) {
	if p == nil {
		return
	}
	sport, dport := "--sport", "--dport"
	if directionIn {
		sport, dport = dport, sport
	}

	if p.SrcPortStart != nil {
		v := e.resolve(p.SrcPortStart, maxPortLen)
		if p.SrcPortEnd != nil {
			v += ":" + e.resolve(p.SrcPortEnd, maxPortLen)
		}
		e.lit(negSign(p.SrcPortStart), sport, v)
	}
	if p.DstPortStart != nil {
		v := e.resolve(p.DstPortStart, maxPortLen)
		if p.DstPortEnd != nil {
			v += ":" + e.resolve(p.DstPortEnd, maxPortLen)
		}
		e.lit(negSign(p.DstPortStart), dport, v)
	}
}
