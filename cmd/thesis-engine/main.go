// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the thesis-engine CLI.
// Implements: prd007-findings, prd008-credits, prd009-source-text,
//             prd010-extraction-session (CLI surface).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/thesis-engine/internal/secrets"
	"github.com/pdiddy/thesis-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// secretDefault returns the secret value for key if it exists, or fallback otherwise.
func secretDefault(key, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if v, ok := loadedSecrets[key]; ok {
		return v
	}
	return ""
}

// rootCmd is the base command for the thesis-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "thesis-engine",
	Short: "Paper knowledge extraction for thesis research",
	Long: `thesis-engine turns the papers accumulated under a research thesis into
structured, confidence-scored findings graphs: each extraction run
classifies a paper, extracts findings with verbatim evidence, and maps
the relationships between them.

Extraction is credit-gated and cancellable; committed graphs are stored
locally and read by the graph, verify, and export commands.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./thesis-engine.yaml or ~/.config/thesis-engine/config.yaml)")
	rootCmd.PersistentFlags().String("user", "", "user identity for credit accounting (empty runs as guest)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("thesis-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "thesis-engine"))
		}
	}

	viper.SetEnvPrefix("THESIS_ENGINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// creditConfig assembles the credit gate configuration from config file
// values and secrets.
func creditConfig(knowledgeDir string) types.CreditConfig {
	cfg := types.CreditConfig{
		LedgerURL:      viper.GetString("credit.ledger_url"),
		LedgerAPIKey:   secretDefault("ledger-api-key", viper.GetString("credit.ledger_api_key")),
		LedgerPath:     viper.GetString("credit.ledger_path"),
		GuestAllowance: viper.GetInt("credit.guest_allowance"),
		HistoryLimit:   viper.GetInt("credit.history_limit"),
		StageCost:      viper.GetInt("credit.stage_cost"),
	}
	cfg.Timeout = 30 * time.Second
	cfg.UserAgent = "thesis-engine/" + version
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(knowledgeDir, "credits.yaml")
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
