package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/bundler"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run bundler",
		Long: `Initialize and run the bundler until interrupted.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml `,
		Run: func(cmd *cobra.Command, args []string) {
			if err := bundler.RunWithConfig(config); err != nil {
				fmt.Fprintln(os.Stderr, "bundler exited:", err)
				os.Exit(1)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
