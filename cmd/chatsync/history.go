package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/config"
)

func newHistoryCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the server's message history once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runHistory(cmd.Context(), cfg, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print messages as JSON lines")
	return cmd
}

func runHistory(ctx context.Context, cfg config.Config, asJSON bool, out io.Writer) error {
	api, err := chatapi.New(cfg.Server.BaseURL, chatapi.WithTimeout(cfg.HTTP.Timeout))
	if err != nil {
		return err
	}
	msgs, err := api.FetchHistory(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, m := range msgs {
		if asJSON {
			if err := enc.Encode(m); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(out, "%s: %s\n", m.Author, m.Text); err != nil {
			return err
		}
	}
	return nil
}
