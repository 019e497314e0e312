// Package rule defines the in-memory model for per-interface packet
// filter rules: protocols, directions, actions, match items and the
// header structs that group them. Rules are compiled into tool command
// templates by internal/compiler.
package rule

import "fmt"

// Layer identifies which tool family a protocol is handled by.
type Layer int

const (
	// LayerEthernet rules are rendered for ebtables.
	LayerEthernet Layer = iota
	// LayerIPv4 rules are rendered for iptables.
	LayerIPv4
	// LayerIPv6 rules are rendered for ip6tables.
	LayerIPv6
)

func (l Layer) String() string {
	switch l {
	case LayerEthernet:
		return "ethernet"
	case LayerIPv4:
		return "ipv4"
	case LayerIPv6:
		return "ipv6"
	}
	return "unknown"
}

// Protocol selects the header a rule matches on.
type Protocol int

const (
	ProtoNone Protocol = iota
	ProtoMAC
	ProtoVLAN
	ProtoSTP
	ProtoARP
	ProtoRARP
	ProtoIP
	ProtoIPv6
	ProtoTCP
	ProtoUDP
	ProtoUDPLite
	ProtoESP
	ProtoAH
	ProtoSCTP
	ProtoICMP
	ProtoIGMP
	ProtoAll
	ProtoTCPv6
	ProtoUDPv6
	ProtoUDPLitev6
	ProtoESPv6
	ProtoAHv6
	ProtoSCTPv6
	ProtoICMPv6
	ProtoAllv6
)

var protocolNames = map[Protocol]string{
	ProtoNone:      "none",
	ProtoMAC:       "mac",
	ProtoVLAN:      "vlan",
	ProtoSTP:       "stp",
	ProtoARP:       "arp",
	ProtoRARP:      "rarp",
	ProtoIP:        "ip",
	ProtoIPv6:      "ipv6",
	ProtoTCP:       "tcp",
	ProtoUDP:       "udp",
	ProtoUDPLite:   "udplite",
	ProtoESP:       "esp",
	ProtoAH:        "ah",
	ProtoSCTP:      "sctp",
	ProtoICMP:      "icmp",
	ProtoIGMP:      "igmp",
	ProtoAll:       "all",
	ProtoTCPv6:     "tcp-ipv6",
	ProtoUDPv6:     "udp-ipv6",
	ProtoUDPLitev6: "udplite-ipv6",
	ProtoESPv6:     "esp-ipv6",
	ProtoAHv6:      "ah-ipv6",
	ProtoSCTPv6:    "sctp-ipv6",
	ProtoICMPv6:    "icmpv6",
	ProtoAllv6:     "all-ipv6",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol maps a protocol keyword back to its enum value.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return ProtoNone, fmt.Errorf("unknown protocol %q", s)
}

// Layer returns the tool family the protocol is compiled for.
func (p Protocol) Layer() Layer {
	switch p {
	case ProtoTCP, ProtoUDP, ProtoUDPLite, ProtoESP, ProtoAH, ProtoSCTP,
		ProtoICMP, ProtoIGMP, ProtoAll:
		return LayerIPv4
	case ProtoTCPv6, ProtoUDPv6, ProtoUDPLitev6, ProtoESPv6, ProtoAHv6,
		ProtoSCTPv6, ProtoICMPv6, ProtoAllv6:
		return LayerIPv6
	}
	return LayerEthernet
}

// EthertypeValue returns the ethernet protocol ID used for the
// ebtables -p flag and for the per-protocol dispatch chains. Zero
// means no fixed ethertype (mac, stp, none).
func (p Protocol) EthertypeValue() uint16 {
	switch p {
	case ProtoIP:
		return 0x0800
	case ProtoIPv6:
		return 0x86dd
	case ProtoARP:
		return 0x0806
	case ProtoRARP:
		return 0x8035
	case ProtoVLAN:
		return 0x8100
	}
	return 0
}

// Suffix returns the per-protocol chain suffix an ethernet-layer rule
// may be routed through.
func (p Protocol) Suffix() string {
	switch p {
	case ProtoIP:
		return "ipv4"
	case ProtoIPv6:
		return "ipv6"
	case ProtoARP:
		return "arp"
	case ProtoRARP:
		return "rarp"
	case ProtoVLAN:
		return "vlan"
	case ProtoSTP:
		return "stp"
	case ProtoMAC:
		return "mac"
	}
	return ""
}

// L4Name returns the argument for the iptables -p flag.
func (p Protocol) L4Name() string {
	switch p {
	case ProtoTCP, ProtoTCPv6:
		return "tcp"
	case ProtoUDP, ProtoUDPv6:
		return "udp"
	case ProtoUDPLite, ProtoUDPLitev6:
		return "udplite"
	case ProtoESP, ProtoESPv6:
		return "esp"
	case ProtoAH, ProtoAHv6:
		return "ah"
	case ProtoSCTP, ProtoSCTPv6:
		return "sctp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmpv6"
	case ProtoIGMP:
		return "igmp"
	case ProtoAll, ProtoAllv6:
		return "all"
	}
	return ""
}

// Direction is the traffic direction a rule applies to, seen from the
// guarded interface.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionInOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionInOut:
		return "inout"
	}
	return "unknown"
}

// ParseDirection maps a direction keyword to its enum value.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	case "inout":
		return DirectionInOut, nil
	}
	return DirectionIn, fmt.Errorf("unknown direction %q", s)
}

// Action is the verdict a rule applies to matching traffic.
type Action int

const (
	ActionDrop Action = iota
	ActionAccept
	ActionReject
	ActionReturn
	ActionContinue
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionReturn:
		return "return"
	case ActionContinue:
		return "continue"
	}
	return "unknown"
}

// Target returns the tool target name for the action. Reject is
// remapped by the compilers, not here.
func (a Action) Target() string {
	switch a {
	case ActionDrop:
		return "DROP"
	case ActionAccept:
		return "ACCEPT"
	case ActionReject:
		return "REJECT"
	case ActionReturn:
		return "RETURN"
	case ActionContinue:
		return "CONTINUE"
	}
	return "DROP"
}

// ParseAction maps an action keyword to its enum value.
func ParseAction(s string) (Action, error) {
	switch s {
	case "drop":
		return ActionDrop, nil
	case "accept":
		return ActionAccept, nil
	case "reject":
		return ActionReject, nil
	case "return":
		return ActionReturn, nil
	case "continue":
		return ActionContinue, nil
	}
	return ActionDrop, fmt.Errorf("unknown action %q", s)
}

// MatchItem is one attribute of a rule. The payload is either a
// literal value, already in canonical text form, or a reference to a
// named variable resolved against a Binding at compile time. A nil
// *MatchItem on a header struct means the attribute is absent.
type MatchItem struct {
	Value   string
	Var     string
	Negated bool
}

// Lit returns a literal match item.
func Lit(value string) *MatchItem {
	return &MatchItem{Value: value}
}

// NegLit returns a negated literal match item.
func NegLit(value string) *MatchItem {
	return &MatchItem{Value: value, Negated: true}
}

// VarRef returns a match item referencing a variable.
func VarRef(name string) *MatchItem {
	return &MatchItem{Var: name}
}

// Resolve returns the payload text, looking up the variable binding
// when the item references one. A referenced variable with no bound
// value is a hard error.
func (m *MatchItem) Resolve(b Binding) (string, error) {
	if m.Var != "" {
		v, ok := b[m.Var]
		if !ok {
			return "", fmt.Errorf("no value bound for variable %q", m.Var)
		}
		return v, nil
	}
	return m.Value, nil
}

// IPSetDir is the declared side of one ipset match flag.
type IPSetDir int

const (
	IPSetSrc IPSetDir = iota
	IPSetDst
)

// StateSet is a set of connection-tracking states for an explicit
// state match.
type StateSet uint

const (
	StateNew StateSet = 1 << iota
	StateEstablished
	StateRelated
	StateInvalid
	StateNone
)

// String renders the set in the fixed keyword order the tools expect.
func (s StateSet) String() string {
	var out string
	add := func(flag StateSet, name string) {
		if s&flag == 0 {
			return
		}
		if out != "" {
			out += ","
		}
		out += name
	}
	add(StateNew, "NEW")
	add(StateEstablished, "ESTABLISHED")
	add(StateRelated, "RELATED")
	add(StateInvalid, "INVALID")
	add(StateNone, "NONE")
	return out
}

// EthHeader holds the ethernet-header matches shared by all
// ethernet-layer protocols.
type EthHeader struct {
	SrcMAC     *MatchItem
	SrcMACMask *MatchItem
	DstMAC     *MatchItem
	DstMACMask *MatchItem
}

// MACHeader matches on the raw ethernet protocol ID.
type MACHeader struct {
	Protocol *MatchItem
}

// VLANHeader matches 802.1Q fields.
type VLANHeader struct {
	VLANID        *MatchItem
	EncapProtocol *MatchItem
}

// STPHeader matches spanning-tree BPDU fields. The paired End fields
// turn a value into an inclusive range; the paired Mask fields qualify
// an address.
type STPHeader struct {
	Type  *MatchItem
	Flags *MatchItem

	RootPriority    *MatchItem
	RootPriorityEnd *MatchItem
	RootAddress     *MatchItem
	RootAddressMask *MatchItem
	RootCost        *MatchItem
	RootCostEnd     *MatchItem

	SenderPriority    *MatchItem
	SenderPriorityEnd *MatchItem
	SenderAddress     *MatchItem
	SenderAddressMask *MatchItem

	Port    *MatchItem
	PortEnd *MatchItem

	Age    *MatchItem
	AgeEnd *MatchItem

	MaxAge    *MatchItem
	MaxAgeEnd *MatchItem

	HelloTime    *MatchItem
	HelloTimeEnd *MatchItem

	ForwardDelay    *MatchItem
	ForwardDelayEnd *MatchItem
}

// ARPHeader matches ARP/RARP fields.
type ARPHeader struct {
	HWType       *MatchItem
	ProtocolType *MatchItem
	Opcode       *MatchItem
	SrcMAC       *MatchItem
	DstMAC       *MatchItem
	SrcIP        *MatchItem
	SrcIPMask    *MatchItem
	DstIP        *MatchItem
	DstIPMask    *MatchItem
	Gratuitous   *MatchItem
}

// IPHeader holds the L3 matches shared by ebtables ip/ipv6 rules and
// every iptables-layer rule, plus the generic match-extension
// attributes (ipset, connlimit, comment, explicit state).
type IPHeader struct {
	SrcMAC *MatchItem

	SrcIP     *MatchItem
	SrcIPMask *MatchItem
	DstIP     *MatchItem
	DstIPMask *MatchItem

	SrcIPFrom *MatchItem
	SrcIPTo   *MatchItem
	DstIPFrom *MatchItem
	DstIPTo   *MatchItem

	// Protocol is the L4 protocol number for the ebtables
	// --ip-protocol flag.
	Protocol *MatchItem

	// DSCP renders as --ip-tos (hex) at the ethernet layer and as
	// -m dscp --dscp at the IP layer.
	DSCP *MatchItem

	IPSet      *MatchItem
	IPSetFlags []IPSetDir

	ConnlimitAbove *MatchItem
	Comment        string

	State StateSet
}

// PortHeader holds L4 port matches. A non-nil End field extends the
// start value into a range.
type PortHeader struct {
	SrcPortStart *MatchItem
	SrcPortEnd   *MatchItem
	DstPortStart *MatchItem
	DstPortEnd   *MatchItem
}

// TCPHeader holds the TCP-only matches.
type TCPHeader struct {
	// FlagsMask and Flags form one --tcp-flags match and must be
	// set together.
	FlagsMask    string
	Flags        string
	FlagsNegated bool
	FlagsSet     bool

	Option *MatchItem
}

// ICMPHeader matches ICMP/ICMPv6 type and code.
type ICMPHeader struct {
	Type *MatchItem
	Code *MatchItem
}

// PriorityMin and PriorityMax bound rule and chain priorities.
const (
	PriorityMin = -1000
	PriorityMax = 1000
)

// FilterRule is one declarative rule. ChainSuffix selects the
// per-protocol subchain an ethernet-layer rule lives in; empty means
// the interface root chain.
type FilterRule struct {
	Protocol  Protocol
	Direction Direction
	Action    Action
	Priority  int

	ChainSuffix string

	// NoStateMatch suppresses the implicit connection-state match
	// on IP-layer rules.
	NoStateMatch bool

	Eth   *EthHeader
	MAC   *MACHeader
	VLAN  *VLANHeader
	STP   *STPHeader
	ARP   *ARPHeader
	IP    *IPHeader
	Ports *PortHeader
	TCP   *TCPHeader
	ICMP  *ICMPHeader
}

// Validate checks the structural invariants that do not depend on
// variable bindings.
func (r *FilterRule) Validate() error {
	if r.Priority < PriorityMin || r.Priority > PriorityMax {
		return fmt.Errorf("rule priority %d outside [%d, %d]",
			r.Priority, PriorityMin, PriorityMax)
	}
	if r.TCP != nil && r.TCP.FlagsSet && (r.TCP.FlagsMask == "" || r.TCP.Flags == "") {
		return fmt.Errorf("tcp flags match needs both mask and flags")
	}
	return nil
}

// Items returns every match item present on the rule. Used to collect
// referenced variables.
func (r *FilterRule) Items() []*MatchItem {
	var items []*MatchItem
	add := func(ms ...*MatchItem) {
		for _, m := range ms {
			if m != nil {
				items = append(items, m)
			}
		}
	}
	if h := r.Eth; h != nil {
		add(h.SrcMAC, h.SrcMACMask, h.DstMAC, h.DstMACMask)
	}
	if h := r.MAC; h != nil {
		add(h.Protocol)
	}
	if h := r.VLAN; h != nil {
		add(h.VLANID, h.EncapProtocol)
	}
	if h := r.STP; h != nil {
		add(h.Type, h.Flags,
			h.RootPriority, h.RootPriorityEnd,
			h.RootAddress, h.RootAddressMask,
			h.RootCost, h.RootCostEnd,
			h.SenderPriority, h.SenderPriorityEnd,
			h.SenderAddress, h.SenderAddressMask,
			h.Port, h.PortEnd,
			h.Age, h.AgeEnd,
			h.MaxAge, h.MaxAgeEnd,
			h.HelloTime, h.HelloTimeEnd,
			h.ForwardDelay, h.ForwardDelayEnd)
	}
	if h := r.ARP; h != nil {
		add(h.HWType, h.ProtocolType, h.Opcode,
			h.SrcMAC, h.DstMAC,
			h.SrcIP, h.SrcIPMask, h.DstIP, h.DstIPMask,
			h.Gratuitous)
	}
	if h := r.IP; h != nil {
		add(h.SrcMAC,
			h.SrcIP, h.SrcIPMask, h.DstIP, h.DstIPMask,
			h.SrcIPFrom, h.SrcIPTo, h.DstIPFrom, h.DstIPTo,
			h.Protocol, h.DSCP, h.IPSet, h.ConnlimitAbove)
	}
	if h := r.Ports; h != nil {
		add(h.SrcPortStart, h.SrcPortEnd, h.DstPortStart, h.DstPortEnd)
	}
	if h := r.TCP; h != nil {
		add(h.Option)
	}
	if h := r.ICMP; h != nil {
		add(h.Type, h.Code)
	}
	return items
}

// Vars returns the names of all variables the rule references, in
// first-use order without duplicates.
func (r *FilterRule) Vars() []string {
	var names []string
	seen := map[string]bool{}
	for _, item := range r.Items() {
		if item.Var == "" || seen[item.Var] {
			continue
		}
		seen[item.Var] = true
		names = append(names, item.Var)
	}
	return names
}
