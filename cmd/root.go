package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "coinid",
	Short: "Source-weighted coin identification and valuation engine",
	Long:  "Corroborates vision-model coin guesses against external numismatic sources, weighs the evidence by source trust, classifies mint errors, and estimates market value.",
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
