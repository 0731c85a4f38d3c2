package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/tomodachingu/tomobot/tomodachingu"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := tomodachingu.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(runCmd)
}
