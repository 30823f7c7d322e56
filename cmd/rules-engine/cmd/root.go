// Package cmd provides the CLI commands for the rules-engine binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/securecheckio/rules-engine/internal/config"
)

var cfgFile string
var rulesFilePath string

var rootCmd = &cobra.Command{
	Use:   "rules-engine",
	Short: "Message-inspection rules engine",
	Long: `rules-engine evaluates messages against a loaded set of threat
detection rules: literal keyword, regex, semantic-similarity, and
stateful flag matching, with per-rule threshold/window rate gating.

Quick start:
  1. Write a rule file: rules.yaml
  2. Pipe a message through it: echo '{"token_id":"t","conversation_id":"c","message":"..."}' | rules-engine eval --rules rules.yaml

Configuration:
  Config is loaded from rules-engine.yaml in the current directory,
  $HOME/.rules-engine/, or /etc/rules-engine/.

  Environment variables can override config values with the RULES_ENGINE_
  prefix. Example: RULES_ENGINE_SEMANTIC_SERVER_ADDR=http://localhost:8091

Commands:
  eval        Evaluate a single message read as JSON from stdin
  stats       Print loaded rule count and cache sizes after loading a rule file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rules-engine.yaml)")
	rootCmd.PersistentFlags().StringVar(&rulesFilePath, "rules", "", "path to rule set YAML file (required)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
