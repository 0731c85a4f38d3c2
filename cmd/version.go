package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tomodachingu/tomobot/tomodachingu"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			tomodachingu.Version,
			tomodachingu.CommitSHA,
			tomodachingu.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(versionCmd)
}
