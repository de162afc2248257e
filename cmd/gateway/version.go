package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Preenchidos via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway %s (%s)\n", version, commit)
	},
}
