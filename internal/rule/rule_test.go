package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolLayer(t *testing.T) {
	tests := []struct {
		proto Protocol
		layer Layer
	}{
		{ProtoMAC, LayerEthernet},
		{ProtoVLAN, LayerEthernet},
		{ProtoSTP, LayerEthernet},
		{ProtoARP, LayerEthernet},
		{ProtoRARP, LayerEthernet},
		{ProtoIP, LayerEthernet},
		{ProtoIPv6, LayerEthernet},
		{ProtoNone, LayerEthernet},
		{ProtoTCP, LayerIPv4},
		{ProtoICMP, LayerIPv4},
		{ProtoAll, LayerIPv4},
		{ProtoTCPv6, LayerIPv6},
		{ProtoICMPv6, LayerIPv6},
		{ProtoAllv6, LayerIPv6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.layer, tt.proto.Layer(), "protocol %s", tt.proto)
	}
}

func TestProtocolEthertype(t *testing.T) {
	assert.Equal(t, uint16(0x0800), ProtoIP.EthertypeValue())
	assert.Equal(t, uint16(0x86dd), ProtoIPv6.EthertypeValue())
	assert.Equal(t, uint16(0x0806), ProtoARP.EthertypeValue())
	assert.Equal(t, uint16(0x8035), ProtoRARP.EthertypeValue())
	assert.Equal(t, uint16(0x8100), ProtoVLAN.EthertypeValue())
	assert.Equal(t, uint16(0), ProtoSTP.EthertypeValue())
	assert.Equal(t, uint16(0), ProtoMAC.EthertypeValue())
}

func TestParseProtocolRoundTrip(t *testing.T) {
	for p, name := range protocolNames {
		got, err := ParseProtocol(name)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParseProtocol("bogus")
	assert.Error(t, err)
}

func TestStateSetString(t *testing.T) {
	tests := []struct {
		set  StateSet
		want string
	}{
		{0, ""},
		{StateNew, "NEW"},
		{StateNew | StateEstablished, "NEW,ESTABLISHED"},
		{StateEstablished | StateNew, "NEW,ESTABLISHED"},
		{StateInvalid | StateRelated, "RELATED,INVALID"},
		{StateNone, "NONE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.set.String())
	}
}

func TestMatchItemResolve(t *testing.T) {
	b := Binding{"DSTMAC": "52:54:00:12:34:56"}

	v, err := Lit("10.0.0.1").Resolve(b)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v)

	v, err = VarRef("DSTMAC").Resolve(b)
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:12:34:56", v)

	_, err = VarRef("MISSING").Resolve(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestFilterRuleValidate(t *testing.T) {
	r := &FilterRule{Protocol: ProtoTCP, Priority: 500}
	assert.NoError(t, r.Validate())

	r.Priority = 1001
	assert.Error(t, r.Validate())
	r.Priority = -1001
	assert.Error(t, r.Validate())
	r.Priority = -1000
	assert.NoError(t, r.Validate())

	r.TCP = &TCPHeader{FlagsSet: true, FlagsMask: "SYN,ACK"}
	assert.Error(t, r.Validate())
	r.TCP.Flags = "SYN"
	assert.NoError(t, r.Validate())
}

func TestFilterRuleVars(t *testing.T) {
	r := &FilterRule{
		Protocol: ProtoTCP,
		IP: &IPHeader{
			SrcIP:  VarRef("ADDR"),
			SrcMAC: VarRef("MAC"),
			DstIP:  Lit("10.0.0.2"),
		},
		Ports: &PortHeader{
			DstPortStart: VarRef("PORT"),
			DstPortEnd:   VarRef("PORT"),
		},
	}
	assert.Equal(t, []string{"MAC", "ADDR", "PORT"}, r.Vars())

	empty := &FilterRule{Protocol: ProtoMAC}
	assert.Empty(t, empty.Vars())
}
