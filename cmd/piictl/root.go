package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"pii-ledger/internal/app"
	"pii-ledger/internal/config"
	"pii-ledger/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "piictl",
	Short: "Redact and tokenize PII in chat messages",
	Long: `piictl detects PII in chat messages with Azure AI Language and either
redacts it permanently or replaces it with stable, reversible tokens.

Batch runs are resumable: every message has a ledger entry, and a run
interrupted at any point picks up where it stopped.

Quick Start:
  piictl import messages.json        # load messages into the store
  piictl run                         # redact every pending message
  piictl status                      # ledger counts
  piictl obfuscate --user u1 "John lives at 12 Main St"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		logger = logging.NewLogger(cfg.Log, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $"+config.PathEnv+" or ./piictl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, statusCmd, importCmd, obfuscateCmd, deobfuscateCmd, eraseCmd)
}

// openApp wires the components for one command invocation.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("piictl: %w", err)
	}
	return a, nil
}
