package firewall

import (
	"fmt"
	"strings"

	"grimm.is/tapguard/internal/chain"
	"grimm.is/tapguard/internal/rule"
)

// Shell variable names referencing the tool paths inside a script. The
// v6 tool reuses the v4 name so compiled command text is identical for
// both families.
var shellVarNames = map[rule.Layer]string{
	rule.LayerEthernet: "EBT",
	rule.LayerIPv4:     "IPT",
	rule.LayerIPv6:     "IPT",
}

// Script assembles a POSIX shell script: a tool-path variable header
// followed by one eval-captured command per line. Checked commands
// abort the script with a message carrying the command and its output,
// so a failed deployment reports exactly what the tool said.
type Script struct {
	sb    strings.Builder
	ncmds int
}

func NewScript() *Script {
	return &Script{}
}

// Tool emits the variable assignment header for a layer, e.g.
// EBT="/usr/sbin/ebtables". The value may carry arguments (firewalld
// passthrough); the shell re-splits it at expansion time.
func (s *Script) Tool(layer rule.Layer, path string) {
	fmt.Fprintf(&s.sb, "%s=\"%s\"\n", shellVarNames[layer], path)
}

// Append renders one line. Raw lines (shell variable assignments) are
// emitted verbatim and never checked.
func (s *Script) Append(layer rule.Layer, l chain.Line) {
	if l.Raw != "" {
		s.sb.WriteString(l.Raw)
		s.sb.WriteByte('\n')
		return
	}
	s.ncmds++
	fmt.Fprintf(&s.sb, "cmd='$%s %s'\n", shellVarNames[layer], l.Cmd)
	// The $ and both parens are escaped so the substitution is parsed
	// only inside eval, after ${cmd} has been expanded.
	s.sb.WriteString("eval res=\\$\\(\"${cmd} 2>&1\"\\)\n")
	if l.CheckError {
		s.sb.WriteString("if [ $? -ne 0 ]; then" +
			" echo \"Failure to execute command '${cmd}' : '${res}'.\";" +
			" exit 1;" +
			" fi\n")
	}
}

// Instruction appends all lines of a compiled instruction.
func (s *Script) Instruction(inst chain.Instruction) {
	for _, l := range inst.Lines {
		s.Append(inst.Layer, l)
	}
}

// Command appends a single checked command line.
func (s *Script) Command(layer rule.Layer, cmd string) {
	s.Append(layer, chain.Line{Cmd: cmd, CheckError: true})
}

// CommandIgnoreErrors appends a command whose failure does not abort
// the script.
func (s *Script) CommandIgnoreErrors(layer rule.Layer, cmd string) {
	s.Append(layer, chain.Line{Cmd: cmd})
}

// Empty reports whether no commands have been appended.
func (s *Script) Empty() bool {
	return s.ncmds == 0
}

// Build returns the script text.
func (s *Script) Build() string {
	return s.sb.String()
}

// Run executes the script through /bin/sh under the executor lock.
func (s *Script) Run(r CommandRunner) error {
	if s.Empty() {
		return nil
	}
	execMu.Lock()
	defer execMu.Unlock()
	if err := r.Run("/bin/sh", "-c", s.Build()); err != nil {
		return fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	return nil
}
