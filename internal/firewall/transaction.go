package firewall

import (
	"fmt"
	"strings"
	"sync"

	"grimm.is/tapguard/internal/rule"
)

// execMu serializes every firewall mutation and listing query in the
// process. The external tools have no transaction isolation of their
// own, so concurrent invocations against the same tables can race.
var execMu sync.Mutex

// Command is one tool invocation inside a Transaction.
type Command struct {
	Layer        rule.Layer
	Args         []string
	IgnoreErrors bool

	// Query marks a listing command whose parsed output may append
	// follow-up commands to the running transaction.
	Query func(tx *Transaction, output string) error
}

// Transaction is an ordered command list applied under the executor
// lock. Commands appended by a Query callback run after all commands
// already in the list.
type Transaction struct {
	caps *Capabilities
	cmds []Command
}

func NewTransaction(caps *Capabilities) *Transaction {
	return &Transaction{caps: caps}
}

// Add appends a checked command.
func (t *Transaction) Add(layer rule.Layer, args ...string) {
	t.cmds = append(t.cmds, Command{Layer: layer, Args: args})
}

// AddIgnoreErrors appends a command whose failure is tolerated.
func (t *Transaction) AddIgnoreErrors(layer rule.Layer, args ...string) {
	t.cmds = append(t.cmds, Command{Layer: layer, Args: args, IgnoreErrors: true})
}

// AddQuery appends a listing command; query receives its output.
func (t *Transaction) AddQuery(layer rule.Layer, query func(tx *Transaction, output string) error, args ...string) {
	t.cmds = append(t.cmds, Command{Layer: layer, Args: args, IgnoreErrors: true, Query: query})
}

// Run executes the transaction under the executor lock. The first
// checked failure aborts the remaining commands.
func (t *Transaction) Run(r CommandRunner) error {
	execMu.Lock()
	defer execMu.Unlock()

	// Iterate by index: Query callbacks may grow the list.
	for i := 0; i < len(t.cmds); i++ {
		c := t.cmds[i]
		argv, err := t.caps.Tool(c.Layer)
		if err != nil {
			if c.IgnoreErrors {
				continue
			}
			return err
		}
		argv = append(argv[:len(argv):len(argv)], c.Args...)

		if c.Query != nil {
			out, err := r.Output(argv[0], argv[1:]...)
			if err != nil && !c.IgnoreErrors {
				return fmt.Errorf("%w: %s: %v", ErrExecutionFailed, strings.Join(argv, " "), err)
			}
			if err := c.Query(t, string(out)); err != nil {
				return err
			}
			continue
		}

		if err := r.Run(argv[0], argv[1:]...); err != nil && !c.IgnoreErrors {
			return fmt.Errorf("%w: %s: %v", ErrExecutionFailed, strings.Join(argv, " "), err)
		}
	}
	return nil
}
