// Package config provides configuration types for the rules engine.
//
// Tunables are grouped by the collaborator they govern: state caching,
// the optional durable state provider, the optional semantic backend, and
// metrics. Everything has a workable zero-value default
// (see SetDefaults) so a bare YAML file, or no file at all, still
// produces a usable Config from environment variables alone.
package config

// Config is the top-level configuration for the rules engine.
type Config struct {
	// StateCache configures the in-process LRU used to avoid re-hydrating
	// conversation state from the provider on every message.
	StateCache StateCacheConfig `yaml:"state_cache" mapstructure:"state_cache"`

	// StateProvider selects and configures the durable persistence
	// collaborator. Optional: when Kind is empty, the engine runs
	// cache-only (state does not survive a restart).
	StateProvider StateProviderConfig `yaml:"state_provider" mapstructure:"state_provider"`

	// Semantic configures the optional similarity-matching backend used by
	// rules that declare a semantic stage.
	Semantic SemanticConfig `yaml:"semantic" mapstructure:"semantic"`

	// Metrics configures Prometheus instrumentation.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// DevMode enables development defaults (debug logging, and a file state
	// provider under ./rules-engine-state when none is configured) and the
	// stdout trace exporter.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// StateCacheConfig describes the in-process conversation-state LRU. These
// values are defaulted and validated, but rulesengine.New does not pass them
// on: the evaluator's state cache always uses the statecache package
// defaults (300s TTL, 10000 entries, 100ms flush debounce).
type StateCacheConfig struct {
	// TTLSeconds is how long a cached state may go unread before it is
	// treated as a miss. Default: 300 (5m).
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"omitempty,min=1"`

	// MaxSize is the maximum number of distinct tuples cached before the
	// least-recently-accessed entry is evicted. Default: 10000.
	MaxSize int `yaml:"max_size" mapstructure:"max_size" validate:"omitempty,min=1"`

	// FlushDebounceMS is how long the cache waits, after the first dirty
	// mark in an idle window, before flushing to the state provider.
	// Default: 100.
	FlushDebounceMS int `yaml:"flush_debounce_ms" mapstructure:"flush_debounce_ms" validate:"omitempty,min=1"`
}

// StateProviderConfig selects the durable persistence backend.
type StateProviderConfig struct {
	// Kind selects the provider implementation. Valid values: "" (none,
	// cache-only), "file", "sqlite". Default: "" in production, "file" in
	// dev mode (see SetDevDefaults).
	Kind string `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=file sqlite"`

	// Path is the provider's storage location: a directory for "file", a
	// database file for "sqlite". Required when Kind is non-empty.
	Path string `yaml:"path" mapstructure:"path"`
}

// SemanticConfig configures the HTTP-based semantic similarity matcher.
type SemanticConfig struct {
	// Enabled controls whether the semantic matcher is wired in at all.
	// Rules declaring a semantic stage never match when disabled.
	// Default: false (opt-in, it calls out to a network service).
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ServerAddr is the base URL of the semantic backend, e.g.
	// "http://localhost:8091".
	ServerAddr string `yaml:"server_addr" mapstructure:"server_addr" validate:"required_if=Enabled true,omitempty,url"`

	// APIKey authenticates to the semantic backend, sent as a bearer token.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// TimeoutMS is the per-request timeout against the semantic backend.
	// Default: 2000.
	TimeoutMS int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`

	// CacheTTLMS is how long an identical (threshold, message) query is
	// served from the client's in-process cache. Default: 5000.
	CacheTTLMS int `yaml:"cache_ttl_ms" mapstructure:"cache_ttl_ms" validate:"omitempty,min=0"`

	// CacheMaxSize bounds the client's in-process query cache. Default: 1000.
	CacheMaxSize int `yaml:"cache_max_size" mapstructure:"cache_max_size" validate:"omitempty,min=1"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	// Enabled controls whether evaluator metrics are registered.
	// Default: true.
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`
}

// EffectiveEnabled returns the configured metrics-enabled flag, defaulting
// to true when unset (mirrors the viper.IsSet idiom: a plain bool field
// can't distinguish "absent" from "explicitly false").
func (m MetricsConfig) EffectiveEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

const (
	defaultStateCacheTTLSeconds = 300
	defaultStateCacheMaxSize    = 10_000
	defaultFlushDebounceMS      = 100
	defaultSemanticTimeoutMS    = 2000
	defaultSemanticCacheTTLMS   = 5000
	defaultSemanticCacheMaxSize = 1000
)

// SetDefaults fills in zero-valued optional fields with their documented
// defaults. Call before Validate.
func (c *Config) SetDefaults() {
	if c.StateCache.TTLSeconds == 0 {
		c.StateCache.TTLSeconds = defaultStateCacheTTLSeconds
	}
	if c.StateCache.MaxSize == 0 {
		c.StateCache.MaxSize = defaultStateCacheMaxSize
	}
	if c.StateCache.FlushDebounceMS == 0 {
		c.StateCache.FlushDebounceMS = defaultFlushDebounceMS
	}
	if c.Semantic.TimeoutMS == 0 {
		c.Semantic.TimeoutMS = defaultSemanticTimeoutMS
	}
	if c.Semantic.CacheTTLMS == 0 {
		c.Semantic.CacheTTLMS = defaultSemanticCacheTTLMS
	}
	if c.Semantic.CacheMaxSize == 0 {
		c.Semantic.CacheMaxSize = defaultSemanticCacheMaxSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SetDevDefaults applies permissive development-mode overrides. LogLevel is
// always set to "debug"; the state provider kind and path are filled in only
// when the operator left them empty, so an explicit provider is kept.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.LogLevel = "debug"
	if c.StateProvider.Kind == "" {
		c.StateProvider.Kind = "file"
	}
	if c.StateProvider.Path == "" {
		c.StateProvider.Path = "./rules-engine-state"
	}
}
