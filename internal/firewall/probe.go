package firewall

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/tapguard/internal/compiler"
	"grimm.is/tapguard/internal/logging"
	"grimm.is/tapguard/internal/rule"
)

// ProbeOptions overrides tool discovery.
type ProbeOptions struct {
	EbtablesPath     string
	IptablesPath     string
	Ip6tablesPath    string
	DisableFirewalld bool
}

// Capabilities holds the tool invocations and version compatibility
// flags, resolved once at startup and read-only afterwards. A nil
// argv disables that protocol family.
type Capabilities struct {
	Ebtables  []string
	Iptables  []string
	Ip6tables []string
	Firewalld bool

	Ctdir          compiler.CtdirStatus
	ConntrackState bool
}

// Tool returns the argv prefix for a layer, or ErrToolMissing.
func (c *Capabilities) Tool(layer rule.Layer) ([]string, error) {
	var argv []string
	switch layer {
	case rule.LayerEthernet:
		argv = c.Ebtables
	case rule.LayerIPv4:
		argv = c.Iptables
	case rule.LayerIPv6:
		argv = c.Ip6tables
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, toolName(layer))
	}
	return argv, nil
}

// ShellTool returns the tool invocation as a single shell-expandable
// string for the script dialect.
func (c *Capabilities) ShellTool(layer rule.Layer) (string, error) {
	argv, err := c.Tool(layer)
	if err != nil {
		return "", err
	}
	return strings.Join(argv, " "), nil
}

// Env returns the compile environment derived from the probe.
func (c *Capabilities) Env() compiler.Env {
	return compiler.Env{Ctdir: c.Ctdir, ConntrackState: c.ConntrackState}
}

func toolName(layer rule.Layer) string {
	switch layer {
	case rule.LayerEthernet:
		return "ebtables"
	case rule.LayerIPv4:
		return "iptables"
	case rule.LayerIPv6:
		return "ip6tables"
	}
	return "unknown"
}

// Probe locates the external tools, detects firewalld, verifies each
// tool with a harmless listing, and determines the version-dependent
// conntrack behavior. Families whose tool is missing or broken stay
// disabled; deployment fails later only if a rule actually needs them.
func Probe(r CommandRunner, opts ProbeOptions) *Capabilities {
	log := logging.WithComponent("probe")
	caps := &Capabilities{Ctdir: compiler.CtdirUnknown}

	ebt := lookup(opts.EbtablesPath, "ebtables", log)
	ipt := lookup(opts.IptablesPath, "iptables", log)
	ip6t := lookup(opts.Ip6tablesPath, "ip6tables", log)

	if !opts.DisableFirewalld {
		if fwc, err := exec.LookPath("firewall-cmd"); err == nil {
			if r.Run(fwc, "--state") == nil {
				log.Info("firewalld detected, using passthrough commands")
				caps.Firewalld = true
				caps.Ebtables = []string{fwc, "--direct", "--passthrough", "eb"}
				caps.Iptables = []string{fwc, "--direct", "--passthrough", "ipv4"}
				caps.Ip6tables = []string{fwc, "--direct", "--passthrough", "ipv6"}
			}
		}
	}
	if !caps.Firewalld {
		if ebt != "" {
			caps.Ebtables = []string{ebt}
		}
		if ipt != "" {
			caps.Iptables = []string{ipt}
		}
		if ip6t != "" {
			caps.Ip6tables = []string{ip6t}
		}
	}

	testTool(r, &caps.Ebtables, log, "-t", "nat", "-L")
	testTool(r, &caps.Iptables, log, "-n", "-L", "FORWARD")
	testTool(r, &caps.Ip6tables, log, "-n", "-L", "FORWARD")

	caps.Ctdir = kernelCtdir(log)
	caps.ConntrackState = probeStateMatch(r, caps.Iptables, log)

	return caps
}

func lookup(override, name string, log *logging.Logger) string {
	if override != "" {
		return override
	}
	path, err := exec.LookPath(name)
	if err != nil {
		log.Warn("could not find executable", "tool", name)
		return ""
	}
	return path
}

// testTool runs a harmless listing; failure disables the family.
func testTool(r CommandRunner, argv *[]string, log *logging.Logger, args ...string) {
	if len(*argv) == 0 {
		return
	}
	full := append(append([]string{}, *argv...), args...)
	if err := r.Run(full[0], full[1:]...); err != nil {
		log.Error("tool self-test failed, disabling", "tool", (*argv)[0], "error", err)
		*argv = nil
	}
}

var iptablesVersionRE = regexp.MustCompile(`v([0-9]+)\.([0-9]+)\.([0-9]+)`)

// probeStateMatch decides between the modern conntrack state keyword
// and the legacy state match: iptables 1.4.16 deprecated the latter.
func probeStateMatch(r CommandRunner, ipt []string, log *logging.Logger) bool {
	if len(ipt) == 0 {
		return false
	}
	out, err := r.Output(ipt[0], append(ipt[1:len(ipt):len(ipt)], "--version")...)
	if err != nil {
		return false
	}
	m := iptablesVersionRE.FindStringSubmatch(string(out))
	if m == nil {
		log.Warn("could not determine iptables version, using legacy state match")
		return false
	}
	maj, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	mic, _ := strconv.Atoi(m[3])
	return versionAtLeast(maj, min, mic, 1, 4, 16)
}

func versionAtLeast(maj, min, mic, wmaj, wmin, wmic int) bool {
	if maj != wmaj {
		return maj > wmaj
	}
	if min != wmin {
		return min > wmin
	}
	return mic >= wmic
}

// parseKernelRelease extracts the numeric version triple from a kernel
// release string such as "6.1.0-13-amd64".
func parseKernelRelease(release string) (maj, min, mic int, ok bool) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 3 {
		return 0, 0, 0, false
	}
	var err error
	if maj, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if min, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	digits := parts[2]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			digits = digits[:i]
			break
		}
	}
	if mic, err = strconv.Atoi(digits); err != nil {
		return 0, 0, 0, false
	}
	return maj, min, mic, true
}
