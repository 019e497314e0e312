package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// Filter is one named rule set together with its variable
// declarations. Variables without values here must be bound at
// deployment time.
type Filter struct {
	Name  string
	Vars  map[string][]string
	Rules []rule.FilterRule
}

// RuleSet is the content of one rule-set file.
type RuleSet struct {
	Filters []*Filter
}

// Filter returns the named filter, or nil.
func (rs *RuleSet) Filter(name string) *Filter {
	for _, f := range rs.Filters {
		if f.Name == name {
			return f
		}
	}
	return nil
}

type rawRuleSet struct {
	Filters []rawFilter `hcl:"filter,block"`
}

type rawFilter struct {
	Name  string    `hcl:"name,label"`
	Vars  []rawVar  `hcl:"var,block"`
	Rules []rawRule `hcl:"rule,block"`
}

type rawVar struct {
	Name   string   `hcl:"name,label"`
	Values []string `hcl:"values,optional"`
}

type rawRule struct {
	Protocol  string    `hcl:"protocol"`
	Direction string    `hcl:"direction,optional"`
	Action    string    `hcl:"action,optional"`
	Priority  int       `hcl:"priority,optional"`
	Chain     string    `hcl:"chain,optional"`
	NoState   bool      `hcl:"no_state,optional"`
	Match     *rawMatch `hcl:"match,block"`
}

type rawMatch struct {
	Body hcl.Body `hcl:",remain"`
}

// LoadRuleSetFile loads and decodes a rule-set file.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}
	return ParseRuleSet(data, path)
}

// ParseRuleSet decodes rule-set HCL.
func ParseRuleSet(data []byte, filename string) (*RuleSet, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}
	var raw rawRuleSet
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode rule set: %s", diags.Error())
	}

	rs := &RuleSet{}
	for _, rf := range raw.Filters {
		f := &Filter{Name: rf.Name, Vars: make(map[string][]string)}
		for _, v := range rf.Vars {
			f.Vars[v.Name] = v.Values
		}
		for i, rr := range rf.Rules {
			r, err := decodeRule(&rr)
			if err != nil {
				return nil, fmt.Errorf("filter %q rule %d: %w", rf.Name, i, err)
			}
			f.Rules = append(f.Rules, *r)
		}
		rs.Filters = append(rs.Filters, f)
	}
	return rs, nil
}

func decodeRule(rr *rawRule) (*rule.FilterRule, error) {
	proto, err := rule.ParseProtocol(rr.Protocol)
	if err != nil {
		return nil, err
	}
	if rr.Chain != "" && rr.Chain != chain.RootSuffix && !chain.IsChildSuffix(rr.Chain) {
		return nil, fmt.Errorf("invalid chain %q", rr.Chain)
	}
	r := &rule.FilterRule{
		Protocol:     proto,
		Priority:     rr.Priority,
		ChainSuffix:  rr.Chain,
		NoStateMatch: rr.NoState,
	}
	if rr.Direction != "" {
		if r.Direction, err = rule.ParseDirection(rr.Direction); err != nil {
			return nil, err
		}
	}
	if rr.Action != "" {
		if r.Action, err = rule.ParseAction(rr.Action); err != nil {
			return nil, err
		}
	}
	if rr.Match != nil {
		attrs, diags := rr.Match.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("match block: %s", diags.Error())
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, err := attrString(attrs[name])
			if err != nil {
				return nil, err
			}
			if err := setMatch(r, name, val); err != nil {
				return nil, err
			}
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// attrString evaluates an attribute to its string form; numbers and
// booleans are accepted and rendered as text.
func attrString(attr *hcl.Attribute) (string, error) {
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("attribute %s: %s", attr.Name, diags.Error())
	}
	v, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("attribute %s: %w", attr.Name, err)
	}
	return v.AsString(), nil
}

// item turns attribute text into a match item: a "$NAME" payload
// references a variable, a leading "!" negates the match.
func item(s string) *rule.MatchItem {
	m := &rule.MatchItem{}
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		m.Negated = true
		s = rest
	}
	if name, ok := strings.CutPrefix(s, "$"); ok {
		m.Var = name
	} else {
		m.Value = s
	}
	return m
}

func setMatch(r *rule.FilterRule, name, val string) error {
	eth := func() *rule.EthHeader {
		if r.Eth == nil {
			r.Eth = &rule.EthHeader{}
		}
		return r.Eth
	}
	mac := func() *rule.MACHeader {
		if r.MAC == nil {
			r.MAC = &rule.MACHeader{}
		}
		return r.MAC
	}
	vlan := func() *rule.VLANHeader {
		if r.VLAN == nil {
			r.VLAN = &rule.VLANHeader{}
		}
		return r.VLAN
	}
	stp := func() *rule.STPHeader {
		if r.STP == nil {
			r.STP = &rule.STPHeader{}
		}
		return r.STP
	}
	arp := func() *rule.ARPHeader {
		if r.ARP == nil {
			r.ARP = &rule.ARPHeader{}
		}
		return r.ARP
	}
	ip := func() *rule.IPHeader {
		if r.IP == nil {
			r.IP = &rule.IPHeader{}
		}
		return r.IP
	}
	ports := func() *rule.PortHeader {
		if r.Ports == nil {
			r.Ports = &rule.PortHeader{}
		}
		return r.Ports
	}
	tcp := func() *rule.TCPHeader {
		if r.TCP == nil {
			r.TCP = &rule.TCPHeader{}
		}
		return r.TCP
	}
	icmp := func() *rule.ICMPHeader {
		if r.ICMP == nil {
			r.ICMP = &rule.ICMPHeader{}
		}
		return r.ICMP
	}

	switch name {
	case "src_mac":
		eth().SrcMAC = item(val)
	case "src_mac_mask":
		eth().SrcMACMask = item(val)
	case "dst_mac":
		eth().DstMAC = item(val)
	case "dst_mac_mask":
		eth().DstMACMask = item(val)

	case "protocol_id":
		mac().Protocol = item(val)

	case "vlan_id":
		vlan().VLANID = item(val)
	case "encap_protocol":
		vlan().EncapProtocol = item(val)

	case "stp_type":
		stp().Type = item(val)
	case "stp_flags":
		stp().Flags = item(val)
	case "root_priority":
		stp().RootPriority = item(val)
	case "root_priority_end":
		stp().RootPriorityEnd = item(val)
	case "root_address":
		stp().RootAddress = item(val)
	case "root_address_mask":
		stp().RootAddressMask = item(val)
	case "root_cost":
		stp().RootCost = item(val)
	case "root_cost_end":
		stp().RootCostEnd = item(val)
	case "sender_priority":
		stp().SenderPriority = item(val)
	case "sender_priority_end":
		stp().SenderPriorityEnd = item(val)
	case "sender_address":
		stp().SenderAddress = item(val)
	case "sender_address_mask":
		stp().SenderAddressMask = item(val)
	case "port":
		stp().Port = item(val)
	case "port_end":
		stp().PortEnd = item(val)
	case "age":
		stp().Age = item(val)
	case "age_end":
		stp().AgeEnd = item(val)
	case "max_age":
		stp().MaxAge = item(val)
	case "max_age_end":
		stp().MaxAgeEnd = item(val)
	case "hello_time":
		stp().HelloTime = item(val)
	case "hello_time_end":
		stp().HelloTimeEnd = item(val)
	case "forward_delay":
		stp().ForwardDelay = item(val)
	case "forward_delay_end":
		stp().ForwardDelayEnd = item(val)

	case "hw_type":
		arp().HWType = item(val)
	case "protocol_type":
		arp().ProtocolType = item(val)
	case "opcode":
		arp().Opcode = item(val)
	case "arp_src_mac":
		arp().SrcMAC = item(val)
	case "arp_dst_mac":
		arp().DstMAC = item(val)
	case "arp_src_ip":
		arp().SrcIP = item(val)
	case "arp_src_ip_mask":
		arp().SrcIPMask = item(val)
	case "arp_dst_ip":
		arp().DstIP = item(val)
	case "arp_dst_ip_mask":
		arp().DstIPMask = item(val)
	case "gratuitous":
		arp().Gratuitous = item(val)

	case "ip_src_mac":
		ip().SrcMAC = item(val)
	case "src_ip":
		ip().SrcIP = item(val)
	case "src_ip_mask":
		ip().SrcIPMask = item(val)
	case "dst_ip":
		ip().DstIP = item(val)
	case "dst_ip_mask":
		ip().DstIPMask = item(val)
	case "src_ip_from":
		ip().SrcIPFrom = item(val)
	case "src_ip_to":
		ip().SrcIPTo = item(val)
	case "dst_ip_from":
		ip().DstIPFrom = item(val)
	case "dst_ip_to":
		ip().DstIPTo = item(val)
	case "ip_protocol":
		ip().Protocol = item(val)
	case "dscp":
		ip().DSCP = item(val)
	case "ipset":
		ip().IPSet = item(val)
	case "ipset_flags":
		flags, err := parseIPSetFlags(val)
		if err != nil {
			return err
		}
		ip().IPSetFlags = flags
	case "connlimit_above":
		ip().ConnlimitAbove = item(val)
	case "comment":
		ip().Comment = val
	case "state":
		states, err := parseStates(val)
		if err != nil {
			return err
		}
		ip().State = states

	case "src_port":
		ports().SrcPortStart = item(val)
	case "src_port_end":
		ports().SrcPortEnd = item(val)
	case "dst_port":
		ports().DstPortStart = item(val)
	case "dst_port_end":
		ports().DstPortEnd = item(val)

	case "tcp_flags":
		return parseTCPFlags(tcp(), val)
	case "tcp_option":
		tcp().Option = item(val)

	case "icmp_type":
		icmp().Type = item(val)
	case "icmp_code":
		icmp().Code = item(val)

	default:
		return fmt.Errorf("unknown match attribute %q", name)
	}
	return nil
}

func parseIPSetFlags(val string) ([]rule.IPSetDir, error) {
	var flags []rule.IPSetDir
	for _, part := range strings.Split(val, ",") {
		switch strings.TrimSpace(part) {
		case "src":
			flags = append(flags, rule.IPSetSrc)
		case "dst":
			flags = append(flags, rule.IPSetDst)
		default:
			return nil, fmt.Errorf("invalid ipset flag %q", part)
		}
	}
	return flags, nil
}

func parseStates(val string) (rule.StateSet, error) {
	var set rule.StateSet
	for _, part := range strings.Split(val, ",") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "NEW":
			set |= rule.StateNew
		case "ESTABLISHED":
			set |= rule.StateEstablished
		case "RELATED":
			set |= rule.StateRelated
		case "INVALID":
			set |= rule.StateInvalid
		case "NONE":
			set |= rule.StateNone
		default:
			return 0, fmt.Errorf("invalid state %q", part)
		}
	}
	return set, nil
}

// parseTCPFlags decodes "mask/flags", optionally prefixed with "!".
func parseTCPFlags(h *rule.TCPHeader, val string) error {
	if rest, ok := strings.CutPrefix(val, "!"); ok {
		h.FlagsNegated = true
		val = rest
	}
	mask, flags, ok := strings.Cut(val, "/")
	if !ok {
		return fmt.Errorf("invalid tcp_flags %q, want mask/flags", val)
	}
	h.FlagsMask = mask
	h.Flags = flags
	h.FlagsSet = true
	return nil
}
