package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ruppdi75/lumi-sync/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Get lumisync version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("LumiSync Release: %s\n", info.Release)
		fmt.Printf("Git: %s\n", info.Git.Commit)
		fmt.Printf("Dirty: %t\n", info.Git.Dirty)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
