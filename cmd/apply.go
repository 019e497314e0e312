package cmd

import (
	"fmt"
	"strings"
)

// RunApply deploys a filter from a rule-set file to an interface.
func RunApply(configFile, ifname, rulesFile, filterName string, varFlags []string) error {
	if ifname == "" {
		return fmt.Errorf("an interface name is required")
	}
	if rulesFile == "" {
		return fmt.Errorf("a rule-set file is required")
	}

	_, driver, err := setup(configFile)
	if err != nil {
		return err
	}

	rs, err := loadRuleSet(rulesFile)
	if err != nil {
		return err
	}
	filter := rs.Filters[0]
	if filterName != "" {
		if filter = rs.Filter(filterName); filter == nil {
			return fmt.Errorf("no filter %q in %s", filterName, rulesFile)
		}
	}

	vars := make(map[string][]string, len(filter.Vars))
	for name, values := range filter.Vars {
		vars[name] = values
	}
	for _, vf := range varFlags {
		name, value, ok := strings.Cut(vf, "=")
		if !ok {
			return fmt.Errorf("invalid -var %q, want NAME=VALUE[,VALUE]", vf)
		}
		vars[name] = strings.Split(value, ",")
	}

	return driver.Deploy(ifname, filter.Rules, vars)
}
