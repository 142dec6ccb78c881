// Package state implements the scoped durable key-value store that holds
// values captured during narrative execution. Each scope is persisted as one
// JSON record under the store directory, rewritten atomically on every
// successful write batch.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ensemblebots/troupe/internal/events"
)

// IOError indicates a durable read or write of a scope failed.
type IOError struct {
	Scope Scope
	Op    string // "read" or "write"
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("state %s failed for scope %q: %v", e.Op, e.Scope, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// scopeState holds the in-memory copy of one scope's record.
// Its mutex is the per-scope exclusive write lock: writes to the same scope
// serialize, and a reader sees either the pre- or post-write snapshot.
type scopeState struct {
	mu      sync.Mutex
	entries map[string]interface{}
	loaded  bool
	suspect bool
}

// Store is the scoped durable key-value store.
type Store struct {
	dir string

	mu     sync.Mutex
	scopes map[Scope]*scopeState
}

// Open creates the store directory if needed and returns a store over it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state: store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create store directory: %w", err)
	}
	return &Store{
		dir:    dir,
		scopes: make(map[Scope]*scopeState),
	}, nil
}

func (s *Store) scope(sc Scope) *scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.scopes[sc]
	if !ok {
		ss = &scopeState{}
		s.scopes[sc] = ss
	}
	return ss
}

func (s *Store) path(sc Scope) string {
	return filepath.Join(s.dir, sc.fileName())
}

// load reads the scope's durable record into memory.
// Caller must hold the scope mutex.
func (s *Store) load(ss *scopeState, sc Scope) error {
	data, err := os.ReadFile(s.path(sc))
	if err != nil {
		if os.IsNotExist(err) {
			ss.entries = make(map[string]interface{})
			ss.loaded = true
			ss.suspect = false
			return nil
		}
		return &IOError{Scope: sc, Op: "read", Err: err}
	}

	entries := make(map[string]interface{})
	if err := json.Unmarshal(data, &entries); err != nil {
		return &IOError{Scope: sc, Op: "read", Err: err}
	}

	if ss.suspect {
		events.Emit("info", "state.reloaded", "", map[string]interface{}{
			"scope": string(sc),
		})
	}
	ss.entries = entries
	ss.loaded = true
	ss.suspect = false
	return nil
}

// ensure makes the in-memory copy current. A scope marked suspect after a
// failed write is re-read from durable storage rather than trusted.
// Caller must hold the scope mutex.
func (s *Store) ensure(ss *scopeState, sc Scope) error {
	if ss.loaded && !ss.suspect {
		return nil
	}
	return s.load(ss, sc)
}

// Get returns the value for key in the given scope. The second return
// reports whether the key exists.
func (s *Store) Get(sc Scope, key string) (interface{}, bool, error) {
	ss := s.scope(sc)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := s.ensure(ss, sc); err != nil {
		return nil, false, err
	}
	v, ok := ss.entries[key]
	return v, ok, nil
}

// Snapshot returns a copy of the full key-value mapping for the scope.
func (s *Store) Snapshot(sc Scope) (map[string]interface{}, error) {
	ss := s.scope(sc)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := s.ensure(ss, sc); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(ss.entries))
	for k, v := range ss.entries {
		out[k] = v
	}
	return out, nil
}

// Write merges entries into the scope and flushes the scope's record to
// durable storage before returning. The whole batch lands atomically: the
// record is rewritten to a temp file and renamed into place. On failure the
// scope is marked suspect and the next read reloads from disk.
func (s *Store) Write(sc Scope, entries map[string]interface{}) error {
	if len(entries) == 0 {
		return nil
	}

	ss := s.scope(sc)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := s.ensure(ss, sc); err != nil {
		return err
	}

	merged := make(map[string]interface{}, len(ss.entries)+len(entries))
	for k, v := range ss.entries {
		merged[k] = v
	}
	for k, v := range entries {
		merged[k] = v
	}

	if err := s.flush(sc, merged); err != nil {
		ss.suspect = true
		events.Emit("error", "state.write.failed", err.Error(), map[string]interface{}{
			"scope": string(sc),
		})
		return err
	}

	ss.entries = merged
	return nil
}

// flush atomically rewrites the scope's durable record.
func (s *Store) flush(sc Scope, entries map[string]interface{}) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &IOError{Scope: sc, Op: "write", Err: err}
	}

	path := s.path(sc)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &IOError{Scope: sc, Op: "write", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{Scope: sc, Op: "write", Err: err}
	}
	return nil
}
