package cmd

import (
	"fmt"
	"os"

	"grimm.is/tapguard/internal/brand"
)

// RunVersion prints the build information.
func RunVersion() {
	fmt.Fprintf(os.Stdout, "%s %s\n", brand.LowerName, brand.Version)
	fmt.Fprintf(os.Stdout, "  commit:  %s\n", brand.GitCommit)
	fmt.Fprintf(os.Stdout, "  built:   %s\n", brand.BuildTime)
	fmt.Fprintf(os.Stdout, "  arch:    %s\n", brand.BuildArch)
}
