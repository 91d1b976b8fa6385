// Package cache persists the coverage trace of each replayed crash so an
// interrupted or repeated triage run does not replay it again.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"triage/internal/trace"
)

// Ext is appended to the crash file name to form the cache file name.
const Ext = ".trace.json"

// ErrTraceNotFound is returned when no trace is cached for a crash.
var ErrTraceNotFound = errors.New("trace not found")

// CorruptError is returned when a cached trace exists but cannot be read or
// decoded.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt cached trace %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Store manages cached traces.
type Store struct {
	Dir string // Base directory for traces
}

// NewStore creates a store with the given directory.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Init creates the cache directory.
func (s *Store) Init() error {
	return os.MkdirAll(s.Dir, 0755)
}

// Save stores the trace of a crash, returns the file path.
// The file is replaced atomically so Lookup never sees a partial trace.
func (s *Store) Save(name string, tr *trace.Trace) (string, error) {
	path := s.Path(name)
	if err := tr.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// Lookup retrieves the cached trace of a crash.
func (s *Store) Lookup(name string) (*trace.Trace, error) {
	path := s.Path(name)

	tr, err := trace.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTraceNotFound
		}
		// unreadable counts as corrupt: the entry is recomputed either way
		return nil, &CorruptError{Path: path, Err: err}
	}

	return tr, nil
}

// List returns the crash names that have a cached trace, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the cached trace of a crash.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrTraceNotFound
		}
		return err
	}

	return nil
}

// Path returns the file path for a crash file name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, name+Ext)
}
