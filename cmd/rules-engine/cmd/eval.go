package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/securecheckio/rules-engine/internal/config"
	"github.com/securecheckio/rules-engine/internal/domain/engine"
	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
	"github.com/securecheckio/rules-engine/pkg/rulesengine"
)

// evalInput is the JSON shape read from stdin.
type evalInput struct {
	TokenID        string `json:"token_id"`
	ConversationID string `json:"conversation_id"`
	AccountID      string `json:"account_id"`
	Message        string `json:"message"`
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a single message read as JSON from stdin",
	Long: `eval reads one JSON object from stdin with the shape

  {"token_id": "t1", "conversation_id": "c1", "message": "..."}

loads the rule set named by --rules, runs a single evaluation pass, and
writes the list of EvaluationResult objects to stdout as JSON.`,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	var in evalInput
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		return fmt.Errorf("decoding stdin: %w", err)
	}

	e, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	rules, err := loadRuleFile(rulesFilePath)
	if err != nil {
		return err
	}
	if err := e.LoadRules(rules); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	ctx := context.Background()
	results, err := e.Evaluate(ctx, engine.EvaluationContext{
		Tuple: matchstate.Tuple{
			TokenID:        in.TokenID,
			ConversationID: in.ConversationID,
			AccountID:      in.AccountID,
		},
		Message: in.Message,
	})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// buildEngine loads config and constructs a rulesengine.Engine, returning a
// cleanup func that shuts it down.
func buildEngine() (*rulesengine.Engine, func(), error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	e, err := rulesengine.New(cfg, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing engine: %w", err)
	}
	return e, func() { _ = e.Shutdown(context.Background()) }, nil
}
