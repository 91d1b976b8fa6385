// Package backendtest provides an in-memory Backend for tests.
//
// The fake enforces the replay protocol: memory can only be written after
// a mapping run followed by a reset, and a run always starts from whatever
// has been written since the last reset.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"triage/internal/backend"
	"triage/internal/trace"
)

// InputBase is the address of the first coverage event produced by
// ByteCoverage.
const InputBase = 0x140001000

// Errors reported when the protocol is violated.
var (
	ErrNotMapped = errors.New("memory written before the mapping run")
	ErrDirty     = errors.New("memory written on a backend left in post-run state")
	ErrClosed    = errors.New("backend closed")
)

// Program computes the trace of an instrumented run from the bytes written
// at the injection address.
type Program func(input []byte) *trace.Trace

// ByteCoverage emits one event per input byte at InputBase+byte.
func ByteCoverage(input []byte) *trace.Trace {
	tr := &trace.Trace{Status: trace.StatusCrash, Coverage: []trace.Event{}}
	for _, b := range input {
		tr.Coverage = append(tr.Coverage, trace.Event{Address: InputBase + uint64(b)})
	}
	return tr
}

// Fake is a deterministic Backend.
type Fake struct {
	Program Program

	// Fail, when set, is consulted before each run; a non-nil error fails it.
	Fail func(p backend.Params, input []byte) error

	// Delay is slept inside Execute, honouring ctx.
	Delay time.Duration

	Ctx     backend.Context
	Params0 backend.Params

	mu         sync.Mutex
	mapped     bool
	postRun    bool
	input      []byte
	addr       uint64
	executions int
	resets     int
	calls      []string
	closed     bool
}

// New returns a fake with ByteCoverage as its program.
func New() *Fake {
	return &Fake{
		Program: ByteCoverage,
		Ctx:     backend.Context{"rip": 0x140001000, "rsp": 0x14fe00, "cr3": 0x1ad000},
		Params0: backend.Params{Limit: 0, Coverage: backend.CoverageNone},
	}
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *Fake) InitialContext(ctx context.Context) (backend.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("initial_context")
	return f.Ctx.Clone(), nil
}

func (f *Fake) Params(ctx context.Context) (backend.Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("params")
	return f.Params0, nil
}

func (f *Fake) Execute(ctx context.Context, c backend.Context, p backend.Params) (*trace.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.record("execute:" + string(p.Coverage))
	f.executions++
	f.postRun = true

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.Fail != nil {
		if err := f.Fail(p, f.input); err != nil {
			return nil, err
		}
	}

	if p.Coverage == backend.CoverageNone {
		f.mapped = true
		return &trace.Trace{Status: trace.StatusSuccess, Coverage: []trace.Event{}}, nil
	}
	tr := f.Program(append([]byte(nil), f.input...))
	if tr == nil {
		return nil, fmt.Errorf("program produced no trace")
	}
	return tr, nil
}

func (f *Fake) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("write_memory:%#x", addr))
	if !f.mapped {
		return ErrNotMapped
	}
	if f.postRun {
		return ErrDirty
	}
	f.input = append([]byte(nil), data...)
	f.addr = addr
	return nil
}

// ReadMemory returns what the last WriteMemory put at addr.
func (f *Fake) ReadMemory(ctx context.Context, addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr < f.addr || addr+uint64(len(buf)) > f.addr+uint64(len(f.input)) {
		return fmt.Errorf("read of %d byte(s) at %#x outside written memory", len(buf), addr)
	}
	copy(buf, f.input[addr-f.addr:])
	return nil
}

func (f *Fake) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reset")
	f.resets++
	f.postRun = false
	f.input = nil
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Executions returns the number of Execute calls.
func (f *Fake) Executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions
}

// Calls returns the recorded call sequence.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ClearCalls forgets the recorded call sequence.
func (f *Fake) ClearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Clean reports whether the backend is back at the snapshot state.
func (f *Fake) Clean() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.postRun && f.input == nil
}

var (
	_ backend.Backend      = (*Fake)(nil)
	_ backend.MemoryReader = (*Fake)(nil)
)

// Resets returns the number of Reset calls.
func (f *Fake) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}
