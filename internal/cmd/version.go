package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("hpcflow %s\n", versionInfo.Version)
		fmt.Printf("  commit:     %s\n", versionInfo.Commit)
		fmt.Printf("  built:      %s\n", versionInfo.BuildDate)
		fmt.Printf("  go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

		v := crucible.GetVersion()
		if v.Gofulmen != "" {
			fmt.Printf("  gofulmen:   %s\n", v.Gofulmen)
		}
		if v.Crucible != "" {
			fmt.Printf("  crucible:   %s\n", v.Crucible)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
