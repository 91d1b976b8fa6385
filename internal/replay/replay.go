// Package replay reproduces a crash under instrumentation.
//
// Each replay runs twice from the same initial context: an uninstrumented
// mapping run that faults in every page the target touches, then, after a
// reset and the injection of the crash input, the instruction coverage run
// whose trace is the result. The backend is reset before Replay returns,
// whatever the outcome.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"triage/internal/backend"
	"triage/internal/crash"
	"triage/internal/trace"
)

// Phase names the step of the protocol that failed.
type Phase string

const (
	PhaseLoad   Phase = "load"
	PhaseMap    Phase = "map"
	PhaseInject Phase = "inject"
	PhaseReplay Phase = "replay"
	PhaseReset  Phase = "reset"
)

// ErrInjectMismatch is returned when the injected input does not read back
// from guest memory.
var ErrInjectMismatch = errors.New("injected input does not read back")

// Phases lists every phase in protocol order.
var Phases = []Phase{PhaseLoad, PhaseMap, PhaseInject, PhaseReplay, PhaseReset}

// ReplayError reports a crash that could not be replayed. The crash is
// excluded from bucketing; the run goes on.
type ReplayError struct {
	CrashID string
	Phase   Phase
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s failed during %s: %v", e.CrashID, e.Phase, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Options tune a Replayer.
type Options struct {
	// Timeout bounds each run; zero means none.
	Timeout time.Duration
}

// Replayer drives one exclusively owned backend.
type Replayer struct {
	Backend backend.Backend
	Context backend.Context
	Params  backend.Params
	Log     logrus.FieldLogger
	Timeout time.Duration
}

// New fetches the initial context and baseline parameters of b once; every
// replay starts from them.
func New(ctx context.Context, b backend.Backend, log logrus.FieldLogger, opts Options) (*Replayer, error) {
	c, err := b.InitialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get initial context: %w", err)
	}
	p, err := b.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}
	return &Replayer{
		Backend: b,
		Context: c,
		Params:  p,
		Log:     log,
		Timeout: opts.Timeout,
	}, nil
}

// Replay returns the coverage trace of c.
func (r *Replayer) Replay(ctx context.Context, c crash.Crash) (tr *trace.Trace, err error) {
	log := r.Log.WithField("crash", c.Name)

	data, err := c.ReadInput()
	if err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseLoad, Err: err}
	}
	meta, err := c.ReadMeta()
	if err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseLoad, Err: err}
	}

	defer func() {
		// cleanup must run even when ctx is already done
		if rerr := r.Backend.Reset(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			tr, err = nil, &ReplayError{CrashID: c.Name, Phase: PhaseReset, Err: rerr}
		}
	}()

	log.Debug("first run to map memory")
	if _, err := r.execute(ctx, r.Params.MappingParams()); err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseMap, Err: err}
	}
	if err := r.Backend.Reset(ctx); err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseMap, Err: err}
	}

	log.WithField("input", meta.Input).Debugf("writing %d byte(s)", len(data))
	if err := r.Backend.WriteMemory(ctx, uint64(meta.Input), data); err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseInject, Err: err}
	}
	if mr, ok := r.Backend.(backend.MemoryReader); ok {
		if err := readBack(ctx, mr, uint64(meta.Input), data); err != nil {
			return nil, &ReplayError{CrashID: c.Name, Phase: PhaseInject, Err: err}
		}
	}

	log.Debug("second run to replay crash")
	tr, err = r.execute(ctx, r.Params.ReplayParams())
	if err != nil {
		return nil, &ReplayError{CrashID: c.Name, Phase: PhaseReplay, Err: err}
	}

	log.WithFields(logrus.Fields{
		"instructions": len(tr.Coverage),
		"unique":       len(tr.UniqueAddresses()),
		"elapsed":      tr.Elapsed,
		"status":       tr.Status,
	}).Info("replayed crash")
	return tr, nil
}

// readBack checks that data is what the guest now holds at addr.
func readBack(ctx context.Context, mr backend.MemoryReader, addr uint64, data []byte) error {
	got := make([]byte, len(data))
	if err := mr.ReadMemory(ctx, addr, got); err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("%w at %#x", ErrInjectMismatch, addr)
	}
	return nil
}

// execute runs once from the initial context, honouring Timeout.
func (r *Replayer) execute(ctx context.Context, p backend.Params) (*trace.Trace, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	tr, err := r.Backend.Execute(ctx, r.Context.Clone(), p)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("backend returned no trace")
	}
	return tr, nil
}
