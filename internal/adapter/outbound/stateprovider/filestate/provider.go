// Package filestate implements a file-based engine.StateProvider: one JSON
// file per conversation tuple under a configured directory, written with
// the same atomic write-tmp/fsync/rename, cross-process flock, and
// backup-before-write discipline used for the policy engine's state file.
package filestate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
)

// Provider persists ConversationState records as one file per tuple. Safe
// for concurrent use: writes to distinct tuples use independent flocks,
// writes to the same tuple serialize on an in-process mutex.
type Provider struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	tupleMu map[string]*sync.Mutex
}

// New creates a file-based state provider rooted at dir, which is created
// if it does not already exist.
func New(dir string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("filestate: create directory: %w", err)
	}
	return &Provider{dir: dir, logger: logger, tupleMu: make(map[string]*sync.Mutex)}, nil
}

func (p *Provider) lockFor(tupleID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.tupleMu[tupleID]
	if !ok {
		m = &sync.Mutex{}
		p.tupleMu[tupleID] = m
	}
	return m
}

// pathFor derives the on-disk filename for a tuple. Tuple IDs may contain
// characters unsafe for a filename (":" from the ID format), so the path is
// keyed by the tuple's xxhash rather than its literal ID.
func (p *Provider) pathFor(tupleID string) string {
	return filepath.Join(p.dir, fmt.Sprintf("%016x.json", xxhash.Sum64String(tupleID)))
}

// Get loads the persisted state for tuple. A missing file is a miss, not an
// error: (nil, nil). A corrupt file is logged and treated as a miss as well,
// matching the "provider failures are non-fatal" contract -- the evaluator
// falls through to synthesizing a fresh state either way.
func (p *Provider) Get(ctx context.Context, tuple matchstate.Tuple) (*matchstate.ConversationState, error) {
	tupleID := tuple.ID()
	path := p.pathFor(tupleID)

	mu := p.lockFor(tupleID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestate: read %s: %w", path, err)
	}

	var state matchstate.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		p.logger.Warn("filestate: corrupt state file, treating as miss", "path", path, "error", err)
		return nil, nil
	}
	if state.ID != tupleID {
		p.logger.Warn("filestate: hash collision or stale file, treating as miss", "path", path, "tuple", tupleID)
		return nil, nil
	}
	return &state, nil
}

// Save persists state atomically: write to a temp file, fsync, rename over
// the target, guarded by a cross-process flock and preceded by a backup of
// the previous contents.
func (p *Provider) Save(ctx context.Context, state *matchstate.ConversationState) error {
	path := p.pathFor(state.ID)

	mu := p.lockFor(state.ID)
	mu.Lock()
	defer mu.Unlock()

	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("filestate: open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("filestate: acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if current, readErr := os.ReadFile(path); readErr == nil {
		if writeErr := os.WriteFile(path+".bak", current, 0600); writeErr != nil {
			p.logger.Warn("filestate: failed to write backup", "path", path, "error", writeErr)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("filestate: marshal state: %w", err)
	}

	return p.writeAtomic(path, data)
}

func (p *Provider) writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("filestate: create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("filestate: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("filestate: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("filestate: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("filestate: rename temp file: %w", err)
	}
	return nil
}
