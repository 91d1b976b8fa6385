// Package snapshot turns a --snapshot locator into execution backends.
// A host:port locator selects a remote snapshot server; anything else is
// the path of a local dump directory.
package snapshot

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"triage/internal/backend"
	"triage/internal/backend/dump"
	"triage/internal/backend/remote"
)

// DefaultLocator is the snapshot server a bare invocation connects to.
const DefaultLocator = "localhost:18861"

// ErrEmptyLocator is returned for a blank --snapshot value.
var ErrEmptyLocator = errors.New("empty snapshot locator")

// ErrSharedRemote is returned when more replays than remote servers are
// requested, or when one server is listed twice: a server holds one machine
// state and cannot be shared.
var ErrSharedRemote = errors.New("a snapshot server runs one replay at a time: list one address per job")

// Kind is the backend variant a locator selects.
type Kind string

const (
	KindRemote Kind = "remote"
	KindDump   Kind = "dump"
)

// Locator is one parsed backend location.
type Locator struct {
	Kind Kind
	Addr string // host:port for KindRemote
	Path string // directory for KindDump
}

func (l Locator) String() string {
	if l.Kind == KindRemote {
		return l.Addr
	}
	return l.Path
}

// ParseLocator classifies s. An existing path always wins so that dump
// directories containing ':' still load.
func ParseLocator(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Locator{}, ErrEmptyLocator
	}
	if _, err := os.Stat(s); err == nil {
		return Locator{Kind: KindDump, Path: s}, nil
	}
	if host, port, err := net.SplitHostPort(s); err == nil && !strings.ContainsAny(host, `/\`) {
		if _, err := strconv.ParseUint(port, 10, 16); err == nil {
			return Locator{Kind: KindRemote, Addr: s}, nil
		}
	}
	return Locator{Kind: KindDump, Path: s}, nil
}

// ParseLocators splits a comma separated list.
func ParseLocators(s string) ([]Locator, error) {
	var locs []Locator
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		loc, err := ParseLocator(part)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	if len(locs) == 0 {
		return nil, ErrEmptyLocator
	}
	return locs, nil
}

// Options tune backend construction.
type Options struct {
	DialTimeout time.Duration
}

// Open returns a single backend for loc.
func Open(loc Locator, opts Options) (backend.Backend, error) {
	switch loc.Kind {
	case KindRemote:
		return remote.Dial(loc.Addr, opts.DialTimeout)
	case KindDump:
		img, err := dump.Load(loc.Path)
		if err != nil {
			return nil, err
		}
		return img.NewBackend(), nil
	}
	return nil, fmt.Errorf("unknown snapshot kind %q", loc.Kind)
}

// OpenPool returns jobs independent backends. A single dump locator is
// opened once and instantiated jobs times over shared read-only memory;
// remote servers are never shared, so a list of n distinct addresses yields
// exactly n backends. On error every backend opened so far is closed.
func OpenPool(locator string, jobs int, opts Options) ([]backend.Backend, error) {
	if jobs < 1 {
		jobs = 1
	}
	locs, err := ParseLocators(locator)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, loc := range locs {
		if loc.Kind != KindRemote {
			continue
		}
		if seen[loc.Addr] {
			return nil, fmt.Errorf("%w: %s listed twice", ErrSharedRemote, loc.Addr)
		}
		seen[loc.Addr] = true
	}

	if len(locs) == 1 && jobs > 1 {
		if locs[0].Kind == KindRemote {
			return nil, ErrSharedRemote
		}
		img, err := dump.Load(locs[0].Path)
		if err != nil {
			return nil, err
		}
		pool := make([]backend.Backend, jobs)
		for i := range pool {
			pool[i] = img.NewBackend()
		}
		return pool, nil
	}

	var pool []backend.Backend
	for _, loc := range locs {
		b, err := Open(loc, opts)
		if err != nil {
			CloseAll(pool)
			return nil, fmt.Errorf("open snapshot %s: %w", loc, err)
		}
		pool = append(pool, b)
	}
	return pool, nil
}

// CloseAll closes every backend, returning the first error.
func CloseAll(pool []backend.Backend) error {
	var first error
	for _, b := range pool {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
