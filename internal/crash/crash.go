// Package crash loads the fuzzer crash inputs to triage.
//
// A crashes directory holds paired files per crash: the raw input
// <id>.bin and a JSON sidecar <id>.json whose "input" field is the guest
// address the buffer is injected at.
package crash

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// InputExt is the extension of raw crash inputs.
const InputExt = ".bin"

// MetaExt is the extension of the metadata sidecar.
const MetaExt = ".json"

// ErrNoInputField is returned when a sidecar has no "input" field.
var ErrNoInputField = errors.New(`metadata has no "input" field`)

// Crash is one crash input on disk.
type Crash struct {
	ID       string // file stem
	Name     string // input file name, <id>.bin
	Path     string
	MetaPath string
}

// Load lists the crash inputs of dir, sorted by name. A missing or
// unreadable directory is an error; an empty one is not.
func Load(dir string) ([]Crash, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read crashes directory: %w", err)
	}

	var crashes []Crash
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, InputExt) {
			continue
		}
		crashes = append(crashes, New(dir, name))
	}
	sort.Slice(crashes, func(i, j int) bool { return crashes[i].Name < crashes[j].Name })
	return crashes, nil
}

// New returns the crash whose input file is dir/name.
func New(dir, name string) Crash {
	id := strings.TrimSuffix(name, InputExt)
	return Crash{
		ID:       id,
		Name:     name,
		Path:     filepath.Join(dir, name),
		MetaPath: filepath.Join(dir, id+MetaExt),
	}
}

// ReadInput returns the raw crash buffer.
func (c Crash) ReadInput() ([]byte, error) {
	return os.ReadFile(c.Path)
}

// ReadMeta parses the metadata sidecar.
func (c Crash) ReadMeta() (Meta, error) {
	data, err := os.ReadFile(c.MetaPath)
	if err != nil {
		return Meta{}, err
	}
	return ParseMeta(data)
}

// Meta is the crash metadata record.
type Meta struct {
	Input Address `json:"input"`
}

// ParseMeta decodes a sidecar. Unknown fields are ignored.
func ParseMeta(data []byte) (Meta, error) {
	var raw struct {
		Input *Address `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Meta{}, fmt.Errorf("invalid metadata: %w", err)
	}
	if raw.Input == nil {
		return Meta{}, ErrNoInputField
	}
	return Meta{Input: *raw.Input}, nil
}

// Address is a guest virtual address. It decodes from a JSON number or
// from a string in any base strconv accepts ("0x140001000").
type Address uint64

func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return fmt.Errorf("input address %q: %w", s, err)
		}
		*a = Address(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("input address: %w", err)
	}
	*a = Address(v)
	return nil
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
