package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

func ethCmds(t *testing.T, r *rule.FilterRule, b rule.Binding) []string {
	t.Helper()
	insts, err := Ethernet(r, "vnet0", b)
	require.NoError(t, err)
	var cmds []string
	for _, in := range insts {
		require.Len(t, in.Lines, 1)
		cmds = append(cmds, in.Lines[0].Cmd)
	}
	return cmds
}

func TestEthernetDirectionDispatch(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoMAC, Direction: rule.DirectionOut,
		Action: rule.ActionAccept,
	}
	cmds := ethCmds(t, r, nil)
	require.Len(t, cmds, 1)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -j ACCEPT", cmds[0])

	r.Direction = rule.DirectionIn
	cmds = ethCmds(t, r, nil)
	require.Len(t, cmds, 1)
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -j ACCEPT", cmds[0])

	r.Direction = rule.DirectionInOut
	cmds = ethCmds(t, r, nil)
	require.Len(t, cmds, 2)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -j ACCEPT", cmds[0])
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -j ACCEPT", cmds[1])
}

func TestEthernetReversalSwapsMACFlags(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoMAC, Direction: rule.DirectionInOut,
		Action: rule.ActionDrop,
		Eth: &rule.EthHeader{
			SrcMAC: rule.Lit("52:54:00:00:00:01"),
			DstMAC: rule.Lit("52:54:00:00:00:02"),
		},
	}
	cmds := ethCmds(t, r, nil)
	require.Len(t, cmds, 2)
	// Reversed compile into the host-in chain.
	assert.Equal(t, "-t nat -A tapguard-J-vnet0"+
		" -d 52:54:00:00:00:01 -s 52:54:00:00:00:02 -j DROP", cmds[0])
	// Straight compile into the host-out chain.
	assert.Equal(t, "-t nat -A tapguard-P-vnet0"+
		" -s 52:54:00:00:00:01 -d 52:54:00:00:00:02 -j DROP", cmds[1])
}

func TestEthernetMACMaskAndNegation(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoMAC, Direction: rule.DirectionOut,
		Action: rule.ActionDrop,
		Eth: &rule.EthHeader{
			SrcMAC:     rule.NegLit("52:54:00:00:00:01"),
			SrcMACMask: rule.Lit("ff:ff:ff:ff:ff:00"),
		},
		MAC: &rule.MACHeader{Protocol: rule.Lit("1536")},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0"+
		" -s ! 52:54:00:00:00:01/ff:ff:ff:ff:ff:00 -p 0x600 -j DROP", cmds[0])
}

func TestEthernetVLAN(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoVLAN, Direction: rule.DirectionOut,
		Action: rule.ActionAccept,
		VLAN: &rule.VLANHeader{
			VLANID:        rule.Lit("42"),
			EncapProtocol: rule.Lit("2048"),
		},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -p 0x8100"+
		" --vlan-id 42 --vlan-encap 2048 -j ACCEPT", cmds[0])
}

func TestEthernetSTP(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoSTP, Direction: rule.DirectionOut,
		Action: rule.ActionDrop,
		STP: &rule.STPHeader{
			Type:            rule.Lit("0"),
			RootPriority:    rule.Lit("100"),
			RootPriorityEnd: rule.Lit("200"),
			RootAddress:     rule.Lit("52:54:00:00:00:10"),
			RootAddressMask: rule.Lit("ff:ff:ff:ff:ff:ff"),
		},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -d 01:80:c2:00:00:00"+
		" --stp-type 0 --stp-root-pri 100:200"+
		" --stp-root-addr 52:54:00:00:00:10/ff:ff:ff:ff:ff:ff -j DROP", cmds[0])
}

func TestEthernetSTPReversedWithSrcMACRejected(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoSTP, Direction: rule.DirectionInOut,
		Action: rule.ActionDrop,
		Eth:    &rule.EthHeader{SrcMAC: rule.Lit("52:54:00:00:00:01")},
	}
	_, err := Ethernet(r, "vnet0", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompileRejected)

	// The same rule is fine when only one direction is requested.
	r.Direction = rule.DirectionOut
	_, err = Ethernet(r, "vnet0", nil)
	assert.NoError(t, err)
}

func TestEthernetARPDefaultsMaskTo32(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoARP, Direction: rule.DirectionOut,
		Action: rule.ActionAccept,
		ARP:    &rule.ARPHeader{SrcIP: rule.Lit("10.1.2.3")},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -p 0x806"+
		" --arp-ip-src 10.1.2.3/32 -j ACCEPT", cmds[0])
}

func TestEthernetARPFull(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoARP, Direction: rule.DirectionIn,
		Action: rule.ActionReturn,
		ARP: &rule.ARPHeader{
			HWType:       rule.Lit("1"),
			Opcode:       rule.Lit("2"),
			ProtocolType: rule.Lit("0x800"),
			SrcIP:        rule.Lit("10.1.2.3"),
			SrcIPMask:    rule.Lit("24"),
			DstMAC:       rule.Lit("52:54:00:00:00:02"),
			Gratuitous:   rule.Lit("true"),
		},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -p 0x806"+
		" --arp-htype 1 --arp-opcode 2 --arp-ptype 0x800"+
		" --arp-ip-src 10.1.2.3/24 --arp-mac-dst 52:54:00:00:00:02"+
		" --arp-gratuitous -j RETURN", cmds[0])
}

func TestEthernetARPReversedSwapsSides(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoRARP, Direction: rule.DirectionInOut,
		Action: rule.ActionDrop,
		ARP: &rule.ARPHeader{
			SrcIP:  rule.Lit("10.1.2.3"),
			SrcMAC: rule.Lit("52:54:00:00:00:01"),
		},
	}
	cmds := ethCmds(t, r, nil)
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "-p 0x8035")
	assert.Contains(t, cmds[0], "--arp-ip-dst 10.1.2.3/32")
	assert.Contains(t, cmds[0], "--arp-mac-dst 52:54:00:00:00:01")
	assert.Contains(t, cmds[1], "--arp-ip-src 10.1.2.3/32")
	assert.Contains(t, cmds[1], "--arp-mac-src 52:54:00:00:00:01")
}

func TestEthernetIPv4(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoIP, Direction: rule.DirectionOut,
		Action: rule.ActionAccept, ChainSuffix: "ipv4",
		IP: &rule.IPHeader{
			SrcIP:     rule.Lit("10.0.0.1"),
			SrcIPMask: rule.Lit("24"),
			Protocol:  rule.Lit("17"),
			DSCP:      rule.Lit("16"),
		},
		Ports: &rule.PortHeader{
			SrcPortStart: rule.Lit("67"),
			DstPortStart: rule.Lit("68"),
			DstPortEnd:   rule.Lit("69"),
		},
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A J-vnet0-ipv4 -p ipv4"+
		" --ip-source 10.0.0.1/24 --ip-protocol 17"+
		" --ip-source-port 67 --ip-destination-port 68:69"+
		" --ip-tos 0x10 -j ACCEPT", cmds[0])
}

func TestEthernetIPv6Reversed(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoIPv6, Direction: rule.DirectionInOut,
		Action: rule.ActionDrop,
		IP:     &rule.IPHeader{DstIP: rule.Lit("fe80::1")},
		Ports:  &rule.PortHeader{DstPortStart: rule.Lit("22")},
	}
	cmds := ethCmds(t, r, nil)
	require.Len(t, cmds, 2)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -p ipv6"+
		" --ip6-source fe80::1 --ip6-source-port 22 -j DROP", cmds[0])
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -p ipv6"+
		" --ip6-destination fe80::1 --ip6-destination-port 22 -j DROP", cmds[1])
}

func TestEthernetRejectRemapsToDrop(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoNone, Direction: rule.DirectionOut,
		Action: rule.ActionReject,
	}
	cmds := ethCmds(t, r, nil)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -j DROP", cmds[0])
}

func TestEthernetVariableResolution(t *testing.T) {
	r := &rule.FilterRule{
		Protocol: rule.ProtoMAC, Direction: rule.DirectionOut,
		Action: rule.ActionAccept,
		Eth:    &rule.EthHeader{SrcMAC: rule.VarRef("MAC")},
	}
	cmds := ethCmds(t, r, rule.Binding{"MAC": "52:54:00:aa:bb:cc"})
	assert.Contains(t, cmds[0], "-s 52:54:00:aa:bb:cc")

	_, err := Ethernet(r, "vnet0", rule.Binding{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAC")
}

func TestEthernetIPLayerProtocolRejected(t *testing.T) {
	r := &rule.FilterRule{Protocol: rule.ProtoTCP, Direction: rule.DirectionOut}
	_, err := Ethernet(r, "vnet0", nil)
	assert.Error(t, err)
}

func TestEthernetSubChain(t *testing.T) {
	inst, err := EthernetSubChain(true, "vnet0", "arp", 300)
	require.NoError(t, err)
	assert.Equal(t, chain.RootSuffix, inst.Suffix)
	assert.Equal(t, 300, inst.Priority)
	require.Len(t, inst.Lines, 4)
	assert.Equal(t, "-t nat -F J-vnet0-arp", inst.Lines[0].Cmd)
	assert.False(t, inst.Lines[0].CheckError)
	assert.Equal(t, "-t nat -X J-vnet0-arp", inst.Lines[1].Cmd)
	assert.False(t, inst.Lines[1].CheckError)
	assert.Equal(t, "-t nat -N J-vnet0-arp", inst.Lines[2].Cmd)
	assert.True(t, inst.Lines[2].CheckError)
	assert.Equal(t, "-t nat -A tapguard-J-vnet0 -p 0x0806 -j J-vnet0-arp",
		inst.Lines[3].Cmd)
	assert.True(t, inst.Lines[3].CheckError)
}

func TestEthernetSubChainProtoDispatch(t *testing.T) {
	inst, err := EthernetSubChain(false, "vnet0", "mac", 0)
	require.NoError(t, err)
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -j P-vnet0-mac", inst.Lines[3].Cmd)

	inst, err = EthernetSubChain(false, "vnet0", "stp", 0)
	require.NoError(t, err)
	assert.Equal(t, "-t nat -A tapguard-P-vnet0 -d 01:80:c2:00:00:00 -j P-vnet0-stp",
		inst.Lines[3].Cmd)

	_, err = EthernetSubChain(false, "vnet0", "bogus", 0)
	assert.Error(t, err)
}
