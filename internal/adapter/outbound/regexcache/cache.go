// Package regexcache compiles and memoizes the regex patterns used by a
// rule's pcre stage.
//
// Go's regexp package (RE2) has no in-process global match-position flag
// the way a JavaScript RegExp with the "g" flag does, so every search (see
// the evaluator's pcre stage) starts at the beginning of the message with
// nothing to reset. The cache key still carries the nocase flag
// because case folding changes the compiled program ("(?i)" prefix).
package regexcache

import (
	"fmt"
	"regexp"
	"sync"
)

// cacheKey identifies one distinct (pattern, case-folding) pair.
type cacheKey struct {
	pattern string
	nocase  bool
}

// entry memoizes either a successfully compiled regex or the compile error,
// so a pattern that fails to compile fails the same way on every subsequent
// lookup instead of re-attempting compilation.
type entry struct {
	re  *regexp.Regexp
	err error
}

// Cache compiles and memoizes regex patterns, keyed by (pattern, nocase).
// It is unbounded, matching the spec: rule sets are bounded by policy, not
// by the cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]entry
}

// New creates an empty regex cache.
func New() *Cache {
	return &Cache{entries: make(map[cacheKey]entry)}
}

// Get returns the compiled regex for (pattern, nocase), compiling and
// memoizing it on first use. Flags are the spec's "gi"/"g" notation: nocase
// true corresponds to "gi", false to "g".
func (c *Cache) Get(pattern string, nocase bool) (*regexp.Regexp, error) {
	key := cacheKey{pattern: pattern, nocase: nocase}

	c.mu.RLock()
	if e, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return e.re, e.err
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the write lock: another goroutine may have compiled
	// this pattern while we waited.
	if e, ok := c.entries[key]; ok {
		return e.re, e.err
	}

	expr := pattern
	if nocase {
		expr = "(?i)" + pattern
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		err = fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	c.entries[key] = entry{re: re, err: err}
	return re, err
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]entry)
}

// Size returns the number of distinct (pattern, nocase) entries memoized,
// including failed compiles.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
