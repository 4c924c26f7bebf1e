// Command goentitle runs the subscription and trial entitlement service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "goentitle",
	Short:         "Subscription and trial entitlement service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before the environment (default .env)")
	rootCmd.AddCommand(serveCmd, migrateCmd, syncUserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
