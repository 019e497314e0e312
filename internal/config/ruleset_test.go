package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tapguard/internal/rule"
)

func parseOne(t *testing.T, src string) *Filter {
	t.Helper()
	rs, err := ParseRuleSet([]byte(src), "test.hcl")
	require.NoError(t, err)
	require.Len(t, rs.Filters, 1)
	return rs.Filters[0]
}

func TestParseRuleSetBasic(t *testing.T) {
	f := parseOne(t, `
filter "no-spoofing" {
  var "MAC" {
    values = ["52:54:00:11:22:33"]
  }

  rule {
    protocol  = "mac"
    direction = "out"
    action    = "return"
    priority  = -500

    match {
      src_mac = "$MAC"
    }
  }

  rule {
    protocol  = "mac"
    direction = "out"
    action    = "drop"
    priority  = -400
  }
}
`)
	assert.Equal(t, "no-spoofing", f.Name)
	assert.Equal(t, []string{"52:54:00:11:22:33"}, f.Vars["MAC"])
	require.Len(t, f.Rules, 2)

	r := f.Rules[0]
	assert.Equal(t, rule.ProtoMAC, r.Protocol)
	assert.Equal(t, rule.DirectionOut, r.Direction)
	assert.Equal(t, rule.ActionReturn, r.Action)
	assert.Equal(t, -500, r.Priority)
	require.NotNil(t, r.Eth)
	require.NotNil(t, r.Eth.SrcMAC)
	assert.Equal(t, "MAC", r.Eth.SrcMAC.Var)
	assert.False(t, r.Eth.SrcMAC.Negated)

	assert.Equal(t, rule.ActionDrop, f.Rules[1].Action)
	assert.Nil(t, f.Rules[1].Eth)
}

func TestParseRuleSetNegationAndNumbers(t *testing.T) {
	f := parseOne(t, `
filter "f" {
  rule {
    protocol  = "arp"
    direction = "inout"
    action    = "accept"
    chain     = "arp"

    match {
      opcode     = 1
      arp_src_ip = "!10.0.0.1"
    }
  }
}
`)
	r := f.Rules[0]
	assert.Equal(t, "arp", r.ChainSuffix)
	require.NotNil(t, r.ARP)
	assert.Equal(t, "1", r.ARP.Opcode.Value)
	require.NotNil(t, r.ARP.SrcIP)
	assert.True(t, r.ARP.SrcIP.Negated)
	assert.Equal(t, "10.0.0.1", r.ARP.SrcIP.Value)
}

func TestParseRuleSetIPMatches(t *testing.T) {
	f := parseOne(t, `
filter "f" {
  rule {
    protocol = "tcp"
    direction = "in"
    action = "accept"

    match {
      src_ip       = "10.0.0.0"
      src_ip_mask  = "24"
      dst_port     = 22
      state        = "new,established"
      tcp_flags    = "SYN,ACK/SYN"
      comment      = "ssh in"
    }
  }
}
`)
	r := f.Rules[0]
	require.NotNil(t, r.IP)
	assert.Equal(t, "10.0.0.0", r.IP.SrcIP.Value)
	assert.Equal(t, "24", r.IP.SrcIPMask.Value)
	assert.Equal(t, rule.StateNew|rule.StateEstablished, r.IP.State)
	assert.Equal(t, "ssh in", r.IP.Comment)
	require.NotNil(t, r.Ports)
	assert.Equal(t, "22", r.Ports.DstPortStart.Value)
	require.NotNil(t, r.TCP)
	assert.True(t, r.TCP.FlagsSet)
	assert.Equal(t, "SYN,ACK", r.TCP.FlagsMask)
	assert.Equal(t, "SYN", r.TCP.Flags)
	assert.False(t, r.TCP.FlagsNegated)
}

func TestParseRuleSetErrors(t *testing.T) {
	cases := map[string]string{
		"unknown protocol": `
filter "f" {
  rule { protocol = "quic" }
}`,
		"unknown match attribute": `
filter "f" {
  rule {
    protocol = "tcp"
    match { frobnicate = "1" }
  }
}`,
		"invalid chain": `
filter "f" {
  rule {
    protocol = "mac"
    chain    = "bogus"
  }
}`,
		"invalid state": `
filter "f" {
  rule {
    protocol = "tcp"
    match { state = "SHINY" }
  }
}`,
		"tcp flags without separator": `
filter "f" {
  rule {
    protocol = "tcp"
    match { tcp_flags = "SYN" }
  }
}`,
	}
	for name, src := range cases {
		_, err := ParseRuleSet([]byte(src), "test.hcl")
		assert.Error(t, err, name)
	}
}

func TestRuleSetFilterLookup(t *testing.T) {
	rs, err := ParseRuleSet([]byte(`
filter "a" {
  rule {
    protocol = "mac"
  }
}

filter "b" {
  rule {
    protocol = "arp"
  }
}
`), "test.hcl")
	require.NoError(t, err)
	assert.NotNil(t, rs.Filter("a"))
	assert.NotNil(t, rs.Filter("b"))
	assert.Nil(t, rs.Filter("c"))
	assert.Equal(t, rule.ProtoARP, rs.Filter("b").Rules[0].Protocol)
}
