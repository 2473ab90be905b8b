package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wechatslave",
	Short: "WeChat slave channel bridge",
	Long:  "Bridges a WeChat web session into a message hub: inbound WeChat events become normalized messages, replies are sent back to WeChat.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
