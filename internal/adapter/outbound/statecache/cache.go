// Package statecache implements the in-memory conversation-state cache: a
// TTL-bounded, LRU-evicted store with debounced, batched writeback to an
// external persistence provider.
package statecache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
)

const (
	// DefaultTTL is the freshness window applied on Get; an entry idle
	// longer than this is treated as a miss.
	DefaultTTL = 300_000 * time.Millisecond
	// DefaultMaxSize is the soft capacity bound; Set evicts the
	// least-recently-accessed entry once the cache is at capacity.
	DefaultMaxSize = 10_000
	// DefaultFlushDebounce is how long the cache waits after the first
	// mark_dirty in an idle window before flushing.
	DefaultFlushDebounce = 100 * time.Millisecond
)

// Writer persists dirty conversation state. It is the outbound collaborator
// invoked by FlushWrites; a nil Writer makes FlushWrites a no-op that still
// clears the dirty set (matching "state is cache-only" deployments).
type Writer interface {
	Save(ctx context.Context, state *matchstate.ConversationState) error
}

type record struct {
	state      *matchstate.ConversationState
	lastAccess time.Time
	elem       *list.Element // element in lru, value is the tuple ID
}

// Cache is the conversation-state cache described by the State Cache
// contract: TTL-gated reads, LRU-by-access eviction, and debounced batched
// flush of dirty entries. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*record
	lru     *list.List // front = most recently accessed

	ttl      time.Duration
	maxSize  int
	debounce time.Duration

	dirty map[string]struct{}
	timer *time.Timer

	writer Writer
	logger *slog.Logger

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// New creates a state cache with the default TTL, capacity, and debounce
// parameters. writer may be nil.
func New(writer Writer, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]*record),
		lru:      list.New(),
		ttl:      DefaultTTL,
		maxSize:  DefaultMaxSize,
		debounce: DefaultFlushDebounce,
		dirty:    make(map[string]struct{}),
		writer:   writer,
		logger:   logger,
		Now:      time.Now,
	}
}

// Get returns the cached state for tuple if present and fresher than the
// TTL, refreshing its last-access time on hit. The returned state must be
// treated as read-only by the caller; callers that mutate it must produce a
// copy (see matchstate.ConversationState.Clone) and call Set.
func (c *Cache) Get(tuple matchstate.Tuple) (*matchstate.ConversationState, bool) {
	id := tuple.ID()
	now := c.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if now.Sub(r.lastAccess) >= c.ttl {
		return nil, false
	}
	r.lastAccess = now
	c.lru.MoveToFront(r.elem)
	return r.state, true
}

// Set inserts or replaces the cached state for the tuple the state belongs
// to (state.ID is the tuple ID), evicting the least-recently-accessed entry
// first if the cache is at capacity. A dirty entry selected for eviction is
// flushed before being dropped.
func (c *Cache) Set(state *matchstate.ConversationState) {
	now := c.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	id := state.ID
	if r, ok := c.entries[id]; ok {
		r.state = state
		r.lastAccess = now
		c.lru.MoveToFront(r.elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.lru.PushFront(id)
	c.entries[id] = &record{state: state, lastAccess: now, elem: elem}
}

// evictOldestLocked drops the least-recently-accessed entry, flushing it
// first if it is dirty. Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	if _, isDirty := c.dirty[id]; isDirty {
		if r, ok := c.entries[id]; ok && c.writer != nil {
			if err := c.writer.Save(context.Background(), r.state); err != nil {
				c.logger.Error("statecache: flush-before-evict failed", "tuple", id, "error", err)
			}
		}
		delete(c.dirty, id)
	}
	c.lru.Remove(back)
	delete(c.entries, id)
}

// MarkDirty records tuple as needing persistence and arms the debounce
// timer if it is not already running.
func (c *Cache) MarkDirty(tuple matchstate.Tuple) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty[tuple.ID()] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushFromTimer)
	}
}

func (c *Cache) flushFromTimer() {
	if err := c.FlushWrites(context.Background()); err != nil {
		c.logger.Error("statecache: debounced flush failed", "error", err)
	}
}

// FlushWrites persists every dirty entry via the configured Writer and
// clears the dirty set, regardless of individual errors (each is logged
// here; the returned error is the last one encountered).
func (c *Cache) FlushWrites(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	states := make([]*matchstate.ConversationState, 0, len(ids))
	for _, id := range ids {
		if r, ok := c.entries[id]; ok {
			states = append(states, r.state)
		}
	}
	c.dirty = make(map[string]struct{})
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if c.writer == nil {
		return nil
	}

	var lastErr error
	for _, s := range states {
		if err := c.writer.Save(ctx, s); err != nil {
			c.logger.Error("statecache: flush failed", "tuple", s.ID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Clear drops all entries and pending writes without flushing them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*record)
	c.lru = list.New()
	c.dirty = make(map[string]struct{})
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DirtyCount returns the number of entries currently pending flush, mainly
// for tests and diagnostics.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}
