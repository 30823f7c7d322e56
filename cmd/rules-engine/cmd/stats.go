package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print loaded rule count and cache sizes after loading a rule file",
	Long: `stats loads the rule set named by --rules and prints the resulting
rules_loaded/cache_size/regex_cache_size triple. Useful for sanity-checking
a rule bundle before deploying it.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
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

	stats := e.Stats()
	fmt.Printf("rules_loaded:     %d\n", stats.RulesLoaded)
	fmt.Printf("cache_size:       %d\n", stats.CacheSize)
	fmt.Printf("regex_cache_size: %d\n", stats.RegexCacheSize)
	return nil
}
