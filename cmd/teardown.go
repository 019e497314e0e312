package cmd

import "fmt"

// RunTeardown removes deployed chains for an interface. With tempOnly
// it clears only the temporary chains of an interrupted deployment.
func RunTeardown(configFile, ifname string, tempOnly bool) error {
	if ifname == "" {
		return fmt.Errorf("an interface name is required")
	}
	_, driver, err := setup(configFile)
	if err != nil {
		return err
	}
	if tempOnly {
		return driver.TearNewRules(ifname)
	}
	return driver.AllTeardown(ifname)
}
