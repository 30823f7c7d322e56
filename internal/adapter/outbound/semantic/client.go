// Package semantic implements a reference engine.SemanticMatcher backed by
// an external HTTP similarity service. The evaluator's semantic stage is
// optional (spec §4.5): this client is one way to supply it, not the only
// one -- any engine.SemanticMatcher implementation works.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/securecheckio/rules-engine/internal/domain/engine"
)

// Client queries an external semantic-similarity backend, caching query
// results for a short TTL and failing open (empty result, nil error) when
// the backend is unreachable -- a semantic miss degrades evaluation to
// content/pcre/flags matching rather than blocking the whole pass.
type Client struct {
	serverAddr string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	cacheTTL     time.Duration
	cacheMaxSize int
	cacheMu      sync.Mutex
	cache        map[string]cacheEntry
}

type cacheEntry struct {
	matches   []engine.SemanticMatch
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithServerAddr sets the semantic backend base URL. Defaults to the
// RULES_ENGINE_SEMANTIC_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) { c.serverAddr = addr }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 2s: the
// semantic stage sits on the hot path of every evaluation and must not
// stall it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCacheTTL sets the query-result cache lifetime. Defaults to 5s.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithCacheMaxSize bounds the number of distinct (message, threshold)
// queries cached at once. Defaults to 1000.
func WithCacheMaxSize(n int) Option {
	return func(c *Client) { c.cacheMaxSize = n }
}

// WithLogger overrides the logger used for fail-open warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a semantic-matcher client.
func New(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("RULES_ENGINE_SEMANTIC_ADDR"),
		apiKey:       os.Getenv("RULES_ENGINE_SEMANTIC_API_KEY"),
		timeout:      parseDurationEnv("RULES_ENGINE_SEMANTIC_TIMEOUT", 2*time.Second),
		cacheTTL:     parseDurationEnv("RULES_ENGINE_SEMANTIC_CACHE_TTL", 5*time.Second),
		cacheMaxSize: parseIntEnv("RULES_ENGINE_SEMANTIC_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
		cache:        make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding returns the embedding vector for text from the backend.
// It is not on the evaluator's hot path (spec §6); failures are returned
// directly rather than failed open.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.doRequest(ctx, "/v1/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, fmt.Errorf("semantic: generate embedding: %w", err)
	}
	return resp.Embedding, nil
}

type queryRequest struct {
	Message   string  `json:"message"`
	Threshold float64 `json:"threshold"`
}

type queryResponse struct {
	Matches []engine.SemanticMatch `json:"matches"`
}

// QueryRules returns every semantic exemplar whose similarity to message is
// at or above threshold. On any request error (connection failure, non-200
// status, undecodable body) it fails open: an empty slice and a nil error,
// so a semantic-backend outage degrades evaluation instead of blocking it.
func (c *Client) QueryRules(ctx context.Context, message string, threshold float64) ([]engine.SemanticMatch, error) {
	key := cacheKey(message, threshold)

	if matches, ok := c.getFromCache(key); ok {
		return matches, nil
	}

	var resp queryResponse
	err := c.doRequest(ctx, "/v1/query", queryRequest{Message: message, Threshold: threshold}, &resp)
	if err != nil {
		c.logger.Warn("semantic matcher unreachable, failing open", "server_addr", c.serverAddr, "error", err)
		return nil, nil
	}

	c.putInCache(key, resp.Matches)
	return resp.Matches, nil
}

func cacheKey(message string, threshold float64) string {
	return strconv.FormatFloat(threshold, 'f', -1, 64) + "|" + message
}

func (c *Client) getFromCache(key string) ([]engine.SemanticMatch, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.matches, true
}

func (c *Client) putInCache(key string, matches []engine.SemanticMatch) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if len(c.cache) >= c.cacheMaxSize {
		for k := range c.cache {
			delete(c.cache, k)
			break
		}
	}
	c.cache[key] = cacheEntry{matches: matches, expiresAt: time.Now().Add(c.cacheTTL)}
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverAddr+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("semantic backend returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
