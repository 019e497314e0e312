package cmd

import (
	"fmt"
	"os"
	"strings"
)

// RunProbe prints the detected host tool capabilities.
func RunProbe(configFile string) error {
	_, driver, err := setup(configFile)
	if err != nil {
		return err
	}
	caps := driver.Caps

	tool := func(argv []string) string {
		if len(argv) == 0 {
			return "not available"
		}
		return strings.Join(argv, " ")
	}
	w := os.Stdout
	fmt.Fprintf(w, "ebtables:         %s\n", tool(caps.Ebtables))
	fmt.Fprintf(w, "iptables:         %s\n", tool(caps.Iptables))
	fmt.Fprintf(w, "ip6tables:        %s\n", tool(caps.Ip6tables))
	fmt.Fprintf(w, "firewalld:        %v\n", caps.Firewalld)
	fmt.Fprintf(w, "ctdir:            %s\n", caps.Ctdir)
	fmt.Fprintf(w, "conntrack state:  %v\n", caps.ConntrackState)
	return nil
}
