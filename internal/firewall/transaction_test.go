package firewall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tapguard/internal/rule"
)

func TestTransactionRunsInOrder(t *testing.T) {
	r := newFakeRunner()
	tx := NewTransaction(allToolCaps())
	tx.Add(rule.LayerEthernet, "-t", "nat", "-N", "a")
	tx.Add(rule.LayerIPv4, "-N", "b")
	tx.Add(rule.LayerIPv6, "-N", "c")
	require.NoError(t, tx.Run(r))

	require.Equal(t, []string{
		"ebtables -t nat -N a",
		"iptables -N b",
		"ip6tables -N c",
	}, r.runs)
}

func TestTransactionCheckedFailureAborts(t *testing.T) {
	r := newFakeRunner()
	r.failOn["-N b"] = errors.New("chain exists")

	tx := NewTransaction(allToolCaps())
	tx.Add(rule.LayerIPv4, "-N", "a")
	tx.Add(rule.LayerIPv4, "-N", "b")
	tx.Add(rule.LayerIPv4, "-N", "c")
	err := tx.Run(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Contains(t, err.Error(), "iptables -N b")
	// c never ran.
	assert.Len(t, r.runs, 2)
}

func TestTransactionIgnoredFailureContinues(t *testing.T) {
	r := newFakeRunner()
	r.failOn["-D stale"] = errors.New("no such rule")

	tx := NewTransaction(allToolCaps())
	tx.AddIgnoreErrors(rule.LayerIPv4, "-D", "stale")
	tx.Add(rule.LayerIPv4, "-N", "fresh")
	require.NoError(t, tx.Run(r))
	assert.Len(t, r.runs, 2)
}

func TestTransactionMissingTool(t *testing.T) {
	caps := &Capabilities{Iptables: []string{"iptables"}}
	r := newFakeRunner()

	// Ignored commands for an absent tool are skipped.
	tx := NewTransaction(caps)
	tx.AddIgnoreErrors(rule.LayerIPv6, "-D", "x")
	tx.Add(rule.LayerIPv4, "-N", "y")
	require.NoError(t, tx.Run(r))
	require.Equal(t, []string{"iptables -N y"}, r.runs)

	// A checked command for an absent tool is an error.
	tx = NewTransaction(caps)
	tx.Add(rule.LayerIPv6, "-N", "z")
	err := tx.Run(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestTransactionQueryAppendsFollowUps(t *testing.T) {
	r := newFakeRunner()
	r.outputs["-L FORWARD"] = "1 other-chain\n"

	tx := NewTransaction(allToolCaps())
	tx.AddQuery(rule.LayerIPv4, func(tx *Transaction, out string) error {
		if out != "" {
			tx.Add(rule.LayerIPv4, "-I", "FORWARD", "1", "-j", "mine")
		}
		return nil
	}, "-L", "FORWARD", "-n", "--line-number")
	require.NoError(t, tx.Run(r))

	require.Equal(t, []string{"iptables -L FORWARD -n --line-number"}, r.queries)
	require.Equal(t, []string{"iptables -I FORWARD 1 -j mine"}, r.runs)
}

func TestTransactionQueryErrorPropagates(t *testing.T) {
	r := newFakeRunner()
	tx := NewTransaction(allToolCaps())
	sentinel := errors.New("bad listing")
	tx.AddQuery(rule.LayerIPv4, func(tx *Transaction, out string) error {
		return sentinel
	}, "-n", "-L", "x")
	assert.ErrorIs(t, tx.Run(r), sentinel)
}
