package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// configBaseName is the file stem searched for and the env-var prefix
// derived from it (upper-cased, hyphens folded to underscores).
const configBaseName = "rules-engine"

// configSearchExtensions are tried, in order, against every search
// directory and against an explicit --config value with no extension.
var configSearchExtensions = []string{".yaml", ".yml"}

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, the standard search locations are
// tried for rules-engine.yaml/.yml; finding none, Viper is left to report
// ConfigFileNotFoundError on ReadInConfig so callers can fall back to
// environment-only configuration.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = firstExistingConfigPath()
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(configBaseName, "-", "_")))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	for _, key := range envBoundKeys {
		_ = viper.BindEnv(key)
	}
}

// envBoundKeys lists every config key that should be overridable by an
// environment variable of the form RULES_ENGINE_<KEY_WITH_UNDERSCORES>.
// Array-valued keys have no entry here; operators use the config file for
// those, same as the rest of this config surface.
var envBoundKeys = []string{
	"state_cache.ttl_seconds",
	"state_cache.max_size",
	"state_cache.flush_debounce_ms",
	"state_provider.kind",
	"state_provider.path",
	"semantic.enabled",
	"semantic.server_addr",
	"semantic.api_key",
	"semantic.timeout_ms",
	"semantic.cache_ttl_ms",
	"semantic.cache_max_size",
	"metrics.enabled",
	"log_level",
	"dev_mode",
}

// configSearchDirs returns the directories searched for a config file, in
// priority order: current directory, the user's home dotfile directory,
// then an OS-specific system location.
func configSearchDirs() []string {
	home, _ := os.UserHomeDir()
	dirs := []string{".", filepath.Join(home, "."+configBaseName)}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			return append(dirs, filepath.Join(pd, configBaseName))
		}
		return dirs
	}
	return append(dirs, filepath.Join("/etc", configBaseName))
}

// firstExistingConfigPath walks every (directory, extension) combination
// exactly once, in search-priority order, and returns the first path that
// exists on disk. An explicit extension is required so a bare executable
// named "rules-engine" sitting in the current directory is never mistaken
// for a config file.
func firstExistingConfigPath() string {
	var candidates []string
	for _, dir := range configSearchDirs() {
		for _, ext := range configSearchExtensions {
			candidates = append(candidates, filepath.Join(dir, configBaseName+ext))
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// readAndUnmarshal reads whatever config file InitViper located (tolerating
// "none found", which leaves env vars and defaults in effect) and decodes
// it into a fresh Config.
func readAndUnmarshal() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file in any search location: env vars and defaults
		// carry the rest of the configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the config file (if any), applies environment overrides
// and defaults, fills in dev-mode defaults, and validates the result. This
// is the entry point for callers that have no CLI flags to layer on top of
// DevMode before validation; see LoadConfigRaw otherwise.
func LoadConfig() (*Config, error) {
	cfg, err := readAndUnmarshal()
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the config file and applies defaults only. Callers
// that need to apply a CLI flag (e.g. --dev) before dev-mode defaults and
// validation run should use this, then call cfg.SetDevDefaults() and
// cfg.Validate() themselves once the flag is applied.
func LoadConfigRaw() (*Config, error) {
	cfg, err := readAndUnmarshal()
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (environment-only configuration).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
