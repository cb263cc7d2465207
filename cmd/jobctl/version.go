package main

import (
	"fmt"
	"jobflow/internal/version"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "jobctl %s\n", version.Version)
		fmt.Fprintf(out, "  commit:     %s\n", version.GitCommit)
		fmt.Fprintf(out, "  built:      %s\n", version.BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", version.GoVersion())
	},
}
