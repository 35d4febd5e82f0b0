// Package progress persists which resources have been fetched, so that an
// interrupted or repeated run never fetches the same resource twice.
//
// The store is a JSON file mapping resource keys to completion timestamps.
// It is loaded once, updated under a mutex, and rewritten atomically after
// every change.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// formatVersion is written into every store file.
const formatVersion = 1

// ErrEmptyPath is returned by Open without a file path.
var ErrEmptyPath = errors.New("progress store path is empty")

// Entry is one completed resource.
type Entry struct {
	Key         string    `json:"key"`
	CompletedAt time.Time `json:"completed_at"`
}

// fileFormat is the on-disk document.
type fileFormat struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Completed map[string]time.Time `json:"completed"`

	// Downloaded is the legacy key list written by older tooling.
	// It is read but never written.
	Downloaded []string `json:"downloaded,omitempty"`
}

// Store is the set of completed resource keys.
// All methods are safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the store at path. A missing file yields an empty store; an
// unreadable or corrupt file yields an empty store and a warning. Neither
// is an error: losing progress costs a re-download, never correctness.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	s := &Store{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.load()
	return s, nil
}

// load reads the file into memory.
func (s *Store) load() {
	data, err := os.ReadFile(s.path) //nolint:gosec // path is operator configuration
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read progress file, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("progress file is corrupt, starting empty", "path", s.path, "error", err)
		return
	}

	for key, at := range doc.Completed {
		if key != "" {
			s.entries[key] = at
		}
	}
	// Legacy lists carry no per-key timestamps; use the file timestamp.
	for _, key := range doc.Downloaded {
		if _, ok := s.entries[key]; !ok && key != "" {
			s.entries[key] = doc.UpdatedAt
		}
	}

	s.logger.Debug("progress loaded", "path", s.path, "completed", len(s.entries))
}

// Path returns the file path.
func (s *Store) Path() string {
	return s.path
}

// Has reports whether key is completed.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Load returns a snapshot of the completed keys.
func (s *Store) Load() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{}, len(s.entries))
	for key := range s.entries {
		set[key] = struct{}{}
	}
	return set
}

// Len returns the number of completed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns the completed keys sorted by key.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for key, at := range s.entries {
		out = append(out, Entry{Key: key, CompletedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MarkComplete records key as completed and persists the store. Marking an
// already completed key keeps its original timestamp. The in-memory record
// survives a failed write; the error is returned so the caller can report it.
func (s *Store) MarkComplete(key string) error {
	if key == "" {
		return errors.New("progress key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		s.entries[key] = s.now().UTC()
	}
	return s.flushLocked()
}

// Clear removes the given keys, or every key when none are given, and
// persists the store. It returns the number of keys removed.
func (s *Store) Clear(keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if len(keys) == 0 {
		removed = len(s.entries)
		s.entries = make(map[string]time.Time)
	} else {
		for _, key := range keys {
			if _, ok := s.entries[key]; ok {
				delete(s.entries, key)
				removed++
			}
		}
	}
	return removed, s.flushLocked()
}

// Flush persists the store.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the store to a temporary file in the same directory,
// syncs it, and renames it over the store file, so a crash leaves either
// the old or the new document and never a truncated one.
func (s *Store) flushLocked() error {
	doc := fileFormat{
		Version:   formatVersion,
		UpdatedAt: s.now().UTC(),
		Completed: s.entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create progress directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary progress file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close progress file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace progress file: %w", err)
	}
	return nil
}
