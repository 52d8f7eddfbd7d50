package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/declarante/irpf-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "irpf-cli",
	Short: "Personal tax document ingestion pipeline",
	Long:  "Extracts text from income statements, bank records and receipts, structures them into validated records via Claude, and serves aggregate tax queries.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
