package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "chatsync joins a chat room and keeps a reconciled transcript",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and --log-format are parsed
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return logging.Init(cfg.Log, os.Stderr)
	},
}

func main() {
	addConfigFlags(rootCmd)
	rootCmd.AddCommand(newJoinCommand(), newHistoryCommand(), newFakeServerCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatsync failed")
		os.Exit(1)
	}
}
