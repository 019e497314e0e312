package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// macBGA is the bridge group address all STP BPDUs are sent to.
const macBGA = "01:80:c2:00:00:00"

// Ethernet compiles an ethernet-layer rule into ebtables append
// commands, one per applicable traffic direction. Out and inout
// traffic is matched in the host-in chain, in and inout traffic in
// the host-out chain; the inout compile into the host-in chain runs
// with the src/dst fields reversed.
func Ethernet(r *rule.FilterRule, ifname string, b rule.Binding) ([]chain.Instruction, error) {
	if r.Protocol.Layer() != rule.LayerEthernet {
		return nil, fmt.Errorf("%s is not an ethernet-layer protocol", r.Protocol)
	}

	var out []chain.Instruction

	if r.Direction == rule.DirectionOut || r.Direction == rule.DirectionInOut {
		inst, err := ethernetOne(r, ifname, b, chain.HostInTemp,
			r.Direction == rule.DirectionInOut)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if r.Direction == rule.DirectionIn || r.Direction == rule.DirectionInOut {
		inst, err := ethernetOne(r, ifname, b, chain.HostOutTemp, false)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// ebuf accumulates command text, deferring the first error.
type ebuf struct {
	sb  strings.Builder
	b   rule.Binding
	err error
}

func (e *ebuf) lit(parts ...string) {
	if e.err != nil {
		return
	}
	emit(&e.sb, parts...)
}

func (e *ebuf) resolve(it *rule.MatchItem, max int) string {
	if e.err != nil {
		return ""
	}
	v, err := field(it, e.b, max)
	if err != nil {
		e.err = err
	}
	return v
}

// item emits " FLAG [!] VALUE" when the item is present.
func (e *ebuf) item(flag string, it *rule.MatchItem) {
	if e.err != nil || it == nil {
		return
	}
	v := e.resolve(it, maxAddrLen)
	e.lit(flag, negSign(it), v)
}

// itemPair emits an item with an optional range or mask companion
// joined by sep.
func (e *ebuf) itemPair(flag string, it, companion *rule.MatchItem, sep string) {
	if e.err != nil || it == nil {
		return
	}
	v := e.resolve(it, maxAddrLen)
	if companion != nil {
		v += sep + e.resolve(companion, maxAddrLen)
	}
	e.lit(flag, negSign(it), v)
}

// ethHdr emits the shared ethernet-header matches. Reversal swaps the
// -s and -d flags.
func (e *ebuf) ethHdr(h *rule.EthHeader, reverse bool) {
	if h == nil {
		return
	}
	if h.SrcMAC != nil {
		flag := "-s"
		if reverse {
			flag = "-d"
		}
		v := e.resolve(h.SrcMAC, maxMACLen)
		if h.SrcMACMask != nil {
			v += "/" + e.resolve(h.SrcMACMask, maxMACLen)
		}
		e.lit(flag, negSign(h.SrcMAC), v)
	}
	if h.DstMAC != nil {
		flag := "-d"
		if reverse {
			flag = "-s"
		}
		v := e.resolve(h.DstMAC, maxMACLen)
		if h.DstMACMask != nil {
			v += "/" + e.resolve(h.DstMACMask, maxMACLen)
		}
		e.lit(flag, negSign(h.DstMAC), v)
	}
}

func ethernetChain(r *rule.FilterRule, prefix byte, ifname string) (string, error) {
	suffix := r.ChainSuffix
	if suffix == "" || suffix == chain.RootSuffix {
		return chain.RootName(prefix, ifname)
	}
	return chain.ChildName(prefix, ifname, suffix)
}

func ethernetOne(r *rule.FilterRule, ifname string, b rule.Binding,
	prefix byte, reverse bool) (chain.Instruction, error) {

	if r.Protocol == rule.ProtoSTP && reverse &&
		r.Eth != nil && r.Eth.SrcMAC != nil {
		return chain.Instruction{}, fmt.Errorf(
			"%w: STP filtering in inout direction with source MAC address set",
			ErrCompileRejected)
	}

	name, err := ethernetChain(r, prefix, ifname)
	if err != nil {
		return chain.Instruction{}, err
	}

	e := &ebuf{b: b}
	e.sb.WriteString("-t nat -A ")
	e.sb.WriteString(name)

	switch r.Protocol {
	case rule.ProtoMAC:
		e.ethHdr(r.Eth, reverse)
		if r.MAC != nil && r.MAC.Protocol != nil {
			v, err := hexField(r.MAC.Protocol, b)
			if err != nil {
				return chain.Instruction{}, err
			}
			e.lit("-p", negSign(r.MAC.Protocol), v)
		}

	case rule.ProtoVLAN:
		e.ethHdr(r.Eth, reverse)
		e.lit("-p 0x8100")
		if h := r.VLAN; h != nil {
			e.item("--vlan-id", h.VLANID)
			e.item("--vlan-encap", h.EncapProtocol)
		}

	case rule.ProtoSTP:
		e.ethHdr(r.Eth, reverse)
		e.lit("-d " + macBGA)
		if h := r.STP; h != nil {
			e.item("--stp-type", h.Type)
			e.item("--stp-flags", h.Flags)
			e.itemPair("--stp-root-pri", h.RootPriority, h.RootPriorityEnd, ":")
			e.itemPair("--stp-root-addr", h.RootAddress, h.RootAddressMask, "/")
			e.itemPair("--stp-root-cost", h.RootCost, h.RootCostEnd, ":")
			e.itemPair("--stp-sender-prio", h.SenderPriority, h.SenderPriorityEnd, ":")
			e.itemPair("--stp-sender-addr", h.SenderAddress, h.SenderAddressMask, "/")
			e.itemPair("--stp-port", h.Port, h.PortEnd, ":")
			e.itemPair("--stp-msg-age", h.Age, h.AgeEnd, ":")
			e.itemPair("--stp-max-age", h.MaxAge, h.MaxAgeEnd, ":")
			e.itemPair("--stp-hello-time", h.HelloTime, h.HelloTimeEnd, ":")
			e.itemPair("--stp-forward-delay", h.ForwardDelay, h.ForwardDelayEnd, ":")
		}

	case rule.ProtoARP, rule.ProtoRARP:
		e.ethHdr(r.Eth, reverse)
		e.lit(fmt.Sprintf("-p 0x%x", r.Protocol.EthertypeValue()))
		if h := r.ARP; h != nil {
			e.item("--arp-htype", h.HWType)
			e.item("--arp-opcode", h.Opcode)
			if h.ProtocolType != nil {
				v, err := hexField(h.ProtocolType, b)
				if err != nil {
					return chain.Instruction{}, err
				}
				e.lit("--arp-ptype", negSign(h.ProtocolType), v)
			}
			e.arpIP(h.SrcIP, h.SrcIPMask, reverse, false)
			e.arpIP(h.DstIP, h.DstIPMask, reverse, true)
			e.arpMAC(h.SrcMAC, reverse, false)
			e.arpMAC(h.DstMAC, reverse, true)
			if h.Gratuitous != nil {
				v := e.resolve(h.Gratuitous, maxNumberLen)
				if on, perr := strconv.ParseBool(v); perr == nil && on {
					e.lit(negSign(h.Gratuitous), "--arp-gratuitous")
				}
			}
		}

	case rule.ProtoIP:
		e.ethHdr(r.Eth, reverse)
		e.lit("-p ipv4")
		e.ebtIPCommon(r, reverse, "--ip-source", "--ip-destination",
			"--ip-protocol", "--ip-source-port", "--ip-destination-port")
		if r.IP != nil && r.IP.DSCP != nil {
			v, err := hexField(r.IP.DSCP, b)
			if err != nil {
				return chain.Instruction{}, err
			}
			e.lit("--ip-tos", negSign(r.IP.DSCP), v)
		}

	case rule.ProtoIPv6:
		e.ethHdr(r.Eth, reverse)
		e.lit("-p ipv6")
		e.ebtIPCommon(r, reverse, "--ip6-source", "--ip6-destination",
			"--ip6-protocol", "--ip6-source-port", "--ip6-destination-port")

	case rule.ProtoNone:
		// Bare append, matches everything.

	default:
		return chain.Instruction{}, fmt.Errorf(
			"protocol %s not supported at the ethernet layer", r.Protocol)
	}

	if e.err != nil {
		return chain.Instruction{}, e.err
	}

	target := r.Action.Target()
	if r.Action == rule.ActionReject {
		// ebtables has no REJECT target.
		target = rule.ActionDrop.Target()
	}
	e.lit("-j", target)

	suffix := r.ChainSuffix
	if suffix == "" {
		suffix = chain.RootSuffix
	}
	return chain.Rule(rule.LayerEthernet, suffix, r.Priority, e.sb.String()), nil
}

// arpIP emits an ARP IP address match with its mask, defaulting the
// mask to /32 and swapping src and dst flags on reversal.
func (e *ebuf) arpIP(addr, mask *rule.MatchItem, reverse, dstSide bool) {
	if addr == nil {
		return
	}
	flag := "--arp-ip-src"
	if dstSide != reverse {
		flag = "--arp-ip-dst"
	}
	v := e.resolve(addr, maxAddrLen)
	m := "32"
	if mask != nil {
		m = e.resolve(mask, maxAddrLen)
	}
	e.lit(flag, negSign(addr), v+"/"+m)
}

func (e *ebuf) arpMAC(mac *rule.MatchItem, reverse, dstSide bool) {
	if mac == nil {
		return
	}
	flag := "--arp-mac-src"
	if dstSide != reverse {
		flag = "--arp-mac-dst"
	}
	e.lit(flag, negSign(mac), e.resolve(mac, maxMACLen))
}

// ebtIPCommon emits the L3/L4 matches shared by the ebtables ipv4 and
// ipv6 protocols.
func (e *ebuf) ebtIPCommon(r *rule.FilterRule, reverse bool,
	srcFlag, dstFlag, protoFlag, sportFlag, dportFlag string) {

	if h := r.IP; h != nil {
		if h.SrcIP != nil {
			flag := srcFlag
			if reverse {
				flag = dstFlag
			}
			v := e.resolve(h.SrcIP, maxAddrLen)
			if h.SrcIPMask != nil {
				v += "/" + e.resolve(h.SrcIPMask, maxNumberLen)
			}
			e.lit(flag, negSign(h.SrcIP), v)
		}
		if h.DstIP != nil {
			flag := dstFlag
			if reverse {
				flag = srcFlag
			}
			v := e.resolve(h.DstIP, maxAddrLen)
			if h.DstIPMask != nil {
				v += "/" + e.resolve(h.DstIPMask, maxNumberLen)
			}
			e.lit(flag, negSign(h.DstIP), v)
		}
		e.item(protoFlag, h.Protocol)
	}

	if p := r.Ports; p != nil {
		if p.SrcPortStart != nil {
			flag := sportFlag
			if reverse {
				flag = dportFlag
			}
			v := e.resolve(p.SrcPortStart, maxPortLen)
			if p.SrcPortEnd != nil {
				v += ":" + e.resolve(p.SrcPortEnd, maxPortLen)
			}
			e.lit(flag, negSign(p.SrcPortStart), v)
		}
		if p.DstPortStart != nil {
			flag := dportFlag
			if reverse {
				flag = sportFlag
			}
			v := e.resolve(p.DstPortStart, maxPortLen)
			if p.DstPortEnd != nil {
				v += ":" + e.resolve(p.DstPortEnd, maxPortLen)
			}
			e.lit(flag, negSign(p.DstPortStart), v)
		}
	}
}

// subChainEthertype maps a child chain suffix to the ethernet
// protocol filter for the dispatch rule in the root chain.
var subChainEthertype = map[string]uint16{
	"ipv4": 0x0800,
	"ipv6": 0x86dd,
	"arp":  0x0806,
	"rarp": 0x8035,
	"vlan": 0x8100,
}

// EthernetSubChain builds the instruction creating a per-protocol
// child chain under the temp root and the dispatch rule routing into
// it. The flush and delete of a leftover chain are best-effort.
func EthernetSubChain(incoming bool, ifname, suffix string, priority int) (chain.Instruction, error) {
	if !chain.IsChildSuffix(suffix) {
		return chain.Instruction{}, fmt.Errorf("unknown chain suffix %q", suffix)
	}

	prefix := chain.HostOutTemp
	if incoming {
		prefix = chain.HostInTemp
	}
	root, err := chain.RootName(prefix, ifname)
	if err != nil {
		return chain.Instruction{}, err
	}
	name, err := chain.ChildName(prefix, ifname, suffix)
	if err != nil {
		return chain.Instruction{}, err
	}

	var protostr string
	switch suffix {
	case "mac":
		protostr = ""
	case "stp":
		protostr = "-d " + macBGA + " "
	default:
		protostr = fmt.Sprintf("-p 0x%04x ", subChainEthertype[suffix])
	}

	return chain.Instruction{
		Layer:    rule.LayerEthernet,
		Suffix:   chain.RootSuffix,
		Priority: priority,
		Lines: []chain.Line{
			{Cmd: "-t nat -F " + name},
			{Cmd: "-t nat -X " + name},
			{Cmd: "-t nat -N " + name, CheckError: true},
			{Cmd: fmt.Sprintf("-t nat -A %s %s-j %s", root, protostr, name),
				CheckError: true},
		},
	}, nil
}
