package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "estgate",
	Short: "estgate is a certificate enrollment gateway",
	Long: `A certificate enrollment gateway (RFC 7030) that fronts a pluggable
CA backend: a local signing key, an external REST CA or an embedded
certificate database.
Complete documentation is available at https://github.com/jmcleod/estgate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
