// Package backend defines the execution backend consumed by the replay
// pipeline: something that owns an initial machine context, runs the target
// under instrumentation, accepts memory writes and resets between runs.
package backend

import (
	"context"
	"fmt"

	"triage/internal/trace"
)

// Backend is one exclusively owned machine state. Implementations are not
// safe for concurrent replays.
type Backend interface {
	// InitialContext returns the register state every replay starts from.
	InitialContext(ctx context.Context) (Context, error)
	// Params returns the backend's baseline run parameters.
	Params(ctx context.Context) (Params, error)
	// Execute loads c and runs until a terminal status.
	Execute(ctx context.Context, c Context, p Params) (*trace.Trace, error)
	// WriteMemory writes data at the guest virtual address addr.
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
	// Reset restores memory to the snapshot.
	Reset(ctx context.Context) error
	Close() error
}

// MemoryReader is implemented by backends that can read guest memory back.
type MemoryReader interface {
	// ReadMemory fills buf from the guest virtual address addr.
	ReadMemory(ctx context.Context, addr uint64, buf []byte) error
}

// Context is an opaque register snapshot.
type Context map[string]uint64

// CR3 returns the page table root, zero when absent.
func (c Context) CR3() uint64 {
	return c["cr3"]
}

// Clone returns an independent copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// CoverageMode selects the instrumentation level of a run.
type CoverageMode string

const (
	CoverageNone   CoverageMode = "no"
	CoverageInstrs CoverageMode = "instrs"
)

// Params controls one instrumented run.
type Params struct {
	Limit            uint64       `json:"limit" yaml:"limit"` // instruction cap, 0 for none
	Coverage         CoverageMode `json:"coverage" yaml:"coverage"`
	SaveContext      bool         `json:"save_context" yaml:"save_context"`
	SaveInstructions bool         `json:"save_instructions" yaml:"save_instructions"`
}

// MappingParams is the uninstrumented variant used to fault in memory.
func (p Params) MappingParams() Params {
	p.Limit = 0
	p.Coverage = CoverageNone
	p.SaveContext = false
	p.SaveInstructions = false
	return p
}

// ReplayParams is the instruction coverage variant used to record a crash.
func (p Params) ReplayParams() Params {
	p.Limit = 0
	p.Coverage = CoverageInstrs
	p.SaveContext = false
	p.SaveInstructions = false
	return p
}

// ExecutionError is a backend level failure of a single operation.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
