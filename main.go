package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/tapguard/cmd"
	"grimm.is/tapguard/internal/brand"
)

func defaultConfigPath() string {
	path := brand.GetConfigDir() + "/" + brand.ConfigFileName
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		configFile := applyFlags.String("c", defaultConfigPath(), "Configuration file")
		ifname := applyFlags.String("i", "", "Interface name")
		rulesFile := applyFlags.String("f", "", "Rule-set file")
		filterName := applyFlags.String("filter", "", "Filter name (default: first in file)")
		var vars stringList
		applyFlags.Var(&vars, "var", "Variable binding NAME=VALUE[,VALUE] (repeatable)")
		applyFlags.Parse(os.Args[2:])
		if err := cmd.RunApply(*configFile, *ifname, *rulesFile, *filterName, vars); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			os.Exit(1)
		}

	case "teardown":
		tdFlags := flag.NewFlagSet("teardown", flag.ExitOnError)
		configFile := tdFlags.String("c", defaultConfigPath(), "Configuration file")
		ifname := tdFlags.String("i", "", "Interface name")
		tempOnly := tdFlags.Bool("temp", false, "Remove only temporary chains")
		tdFlags.Parse(os.Args[2:])
		if err := cmd.RunTeardown(*configFile, *ifname, *tempOnly); err != nil {
			fmt.Fprintf(os.Stderr, "Teardown failed: %v\n", err)
			os.Exit(1)
		}

	case "basic":
		basicFlags := flag.NewFlagSet("basic", flag.ExitOnError)
		configFile := basicFlags.String("c", defaultConfigPath(), "Configuration file")
		ifname := basicFlags.String("i", "", "Interface name")
		mode := basicFlags.String("mode", "mac", "Recipe: mac, dhcp, drop or remove")
		mac := basicFlags.String("mac", "", "Interface MAC address")
		var servers stringList
		basicFlags.Var(&servers, "dhcpserver", "Allowed DHCP server address (repeatable)")
		basicFlags.Parse(os.Args[2:])
		if err := cmd.RunBasic(*configFile, *ifname, *mode, *mac, servers); err != nil {
			fmt.Fprintf(os.Stderr, "Basic rules failed: %v\n", err)
			os.Exit(1)
		}

	case "probe":
		probeFlags := flag.NewFlagSet("probe", flag.ExitOnError)
		configFile := probeFlags.String("c", defaultConfigPath(), "Configuration file")
		probeFlags.Parse(os.Args[2:])
		if err := cmd.RunProbe(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "--version", "-v":
		cmd.RunVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage: %s <command> [options]

Commands:
  apply     Compile a rule set and deploy it to an interface
            -i IFACE -f RULES.hcl [-filter NAME] [-var NAME=VALUE] [-c CONFIG]
  teardown  Remove deployed chains for an interface
            -i IFACE [-temp] [-c CONFIG]
  basic     Install a fixed early-boot filter
            -i IFACE -mode mac|dhcp|drop|remove [-mac MAC] [-dhcpserver IP]
  probe     Show detected host tool capabilities
  version   Show version information
  help      Show this help
`, brand.Name, brand.Description, brand.BinaryName)
}
