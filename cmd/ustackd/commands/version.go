package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nilknarf/ustack/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ustackd build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full("ustackd"))
		},
	}
}
