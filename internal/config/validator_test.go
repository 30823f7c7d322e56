package config

import (
	"strings"
	"testing"
)

func minimalValidConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log_level")
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("error %q does not mention LogLevel", err.Error())
	}
}

func TestValidateRejectsBadStateProviderKind(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.StateProvider.Kind = "redis"
	cfg.StateProvider.Path = "/tmp/x"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for invalid state_provider.kind")
	}
}

func TestValidateRequiresPathWhenStateProviderKindSet(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.StateProvider.Kind = "file"
	cfg.StateProvider.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error when kind is set without a path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("error %q does not mention missing path", err.Error())
	}
}

func TestValidateAcceptsStateProviderWithPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.StateProvider.Kind = "sqlite"
	cfg.StateProvider.Path = "/var/lib/rules-engine/state.db"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidateRequiresServerAddrWhenSemanticEnabled(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Semantic.Enabled = true
	cfg.Semantic.ServerAddr = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error when semantic is enabled without a server_addr")
	}
}

func TestValidateRejectsInvalidSemanticServerAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Semantic.Enabled = true
	cfg.Semantic.ServerAddr = "not a url"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for malformed semantic.server_addr")
	}
}

func TestValidateAcceptsSemanticDisabledWithoutServerAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Semantic.Enabled = false

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
