package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of mcpwarden",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcpwarden %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
