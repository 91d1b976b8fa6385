// Package trace holds the coverage record produced by one instrumented run.
// A Trace is written once per crash and treated as immutable afterwards.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Status is the terminal state reported by the execution backend.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusCrash            Status = "crash"
	StatusTimeout          Status = "timeout"
	StatusLimit            Status = "limit"
	StatusForbiddenAddress Status = "forbidden_address"
	StatusBreakpoint       Status = "breakpoint"
	StatusError            Status = "error"
)

// Event is one executed instruction: its address and, when the run saved
// register context, an opaque context blob.
// On disk an event is the two element array [address, context].
type Event struct {
	Address uint64
	Context json.RawMessage
}

// MarshalJSON encodes the event as [address, context].
func (e Event) MarshalJSON() ([]byte, error) {
	ctx := e.Context
	if len(ctx) == 0 {
		ctx = json.RawMessage("null")
	}
	return json.Marshal([2]any{e.Address, ctx})
}

// UnmarshalJSON decodes the [address, context] form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("coverage event: want [address, context], got %d element(s)", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.Address); err != nil {
		return fmt.Errorf("coverage event address: %w", err)
	}
	e.Context = nil
	if ctx := bytes.TrimSpace(parts[1]); !bytes.Equal(ctx, []byte("null")) {
		e.Context = append(json.RawMessage(nil), ctx...)
	}
	return nil
}

// Trace is the coverage record of one run.
type Trace struct {
	Coverage []Event       `json:"coverage"`
	Seen     []uint64      `json:"seen"`
	Status   Status        `json:"status"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Addresses returns the ordered address sequence of the coverage.
func (t *Trace) Addresses() []uint64 {
	addrs := make([]uint64, len(t.Coverage))
	for i, ev := range t.Coverage {
		addrs[i] = ev.Address
	}
	return addrs
}

// UniqueAddresses returns the set of visited addresses in ascending order.
// Backends that do not report Seen get it derived from the coverage.
func (t *Trace) UniqueAddresses() []uint64 {
	if len(t.Seen) > 0 {
		return t.Seen
	}
	set := make(map[uint64]struct{}, len(t.Coverage))
	for _, ev := range t.Coverage {
		set[ev.Address] = struct{}{}
	}
	seen := make([]uint64, 0, len(set))
	for addr := range set {
		seen = append(seen, addr)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	return seen
}

// Encode writes the trace as indented JSON.
func (t *Trace) Encode(w io.Writer) error {
	out := *t
	if out.Coverage == nil {
		out.Coverage = []Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&out)
}

// Decode reads a trace. The coverage field is mandatory.
func Decode(r io.Reader) (*Trace, error) {
	var raw struct {
		Coverage *[]Event      `json:"coverage"`
		Seen     []uint64      `json:"seen"`
		Status   Status        `json:"status"`
		Elapsed  time.Duration `json:"elapsed_ns"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Coverage == nil {
		return nil, fmt.Errorf("trace has no coverage field")
	}
	return &Trace{
		Coverage: *raw.Coverage,
		Seen:     raw.Seen,
		Status:   raw.Status,
		Elapsed:  raw.Elapsed,
	}, nil
}

// Load reads a trace from path.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Save writes the trace to path, creating parent directories if needed.
// The file is written next to its destination and renamed into place so a
// reader never observes a partial trace.
func (t *Trace) Save(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := t.Encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
