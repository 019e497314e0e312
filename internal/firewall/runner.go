// Package firewall executes compiled filter instructions against the
// host: it assembles shell scripts and command transactions, probes the
// external tools once at startup, and drives the temp-chain deployment
// cycle that swaps a new rule set in atomically.
package firewall

import "errors"

// CommandRunner abstracts external tool execution so deployments can be
// exercised in tests without touching the host firewall.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual commands.
// Methods are implemented in command_linux.go and command_stub.go.
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

var (
	// ErrToolMissing reports that a required external tool was not
	// found or failed its probe.
	ErrToolMissing = errors.New("firewall tool not available")

	// ErrExecutionFailed reports a non-ignored command that exited
	// non-zero.
	ErrExecutionFailed = errors.New("firewall command failed")
)
