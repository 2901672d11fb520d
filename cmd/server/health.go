package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chadiek/voice-console/internal/backend"
	"github.com/chadiek/voice-console/internal/config"
	"github.com/chadiek/voice-console/internal/httpserver"
)

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print backend and tool server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			be := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout)
			report, herr := httpserver.CheckHealth(cmd.Context(), be)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if herr != nil {
				return fmt.Errorf("backend unreachable: %w", herr)
			}
			return nil
		},
	}
}
