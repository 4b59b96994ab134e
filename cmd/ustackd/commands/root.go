// Package commands implements the ustackd CLI: a cobra root command with
// "serve" and "version" subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the top-level cobra command for ustackd.
var rootCmd = &cobra.Command{
	Use:   "ustackd",
	Short: "A user-space TCP/IP stack daemon",
	Long:  "ustackd drives a single-threaded TCP/IP stack over a tap device, exposing Prometheus metrics and a pair of echo services for exercising it end to end.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML); defaults are used if omitted")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
