package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "seriatim",
	Short: "Seriatim is a certificate authority with distributed serial allocation",
	Long: `A certificate authority whose serial numbers are allocated from ranges
claimed out of a shared replicated directory, so multiple instances can
issue concurrently without ever colliding.
Complete documentation is available at https://github.com/jmcleod/seriatim`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
