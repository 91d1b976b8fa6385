package backend

import (
	"errors"
	"io"
	"testing"
)

func TestParamsVariants(t *testing.T) {
	baseline := Params{Limit: 1000, Coverage: CoverageInstrs, SaveContext: true, SaveInstructions: true}

	mapping := baseline.MappingParams()
	want := Params{Limit: 0, Coverage: CoverageNone}
	if mapping != want {
		t.Errorf("MappingParams() = %+v, want %+v", mapping, want)
	}

	replay := baseline.ReplayParams()
	want = Params{Limit: 0, Coverage: CoverageInstrs}
	if replay != want {
		t.Errorf("ReplayParams() = %+v, want %+v", replay, want)
	}

	// Deriving variants never touches the baseline
	if baseline.Limit != 1000 || !baseline.SaveContext {
		t.Errorf("baseline mutated: %+v", baseline)
	}
}

func TestContext_Clone(t *testing.T) {
	c := Context{"rip": 0x1000, "cr3": 0x1ad000}
	cp := c.Clone()
	cp["rip"] = 0

	if c["rip"] != 0x1000 {
		t.Error("Clone() shares storage with the original")
	}
	if c.CR3() != 0x1ad000 {
		t.Errorf("CR3() = %#x, want 0x1ad000", c.CR3())
	}
	if (Context{}).CR3() != 0 {
		t.Error("CR3() of empty context is not zero")
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	err := error(&ExecutionError{Op: "execute", Err: io.ErrUnexpectedEOF})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ExecutionError does not unwrap to its cause")
	}
	if err.Error() != "execute: unexpected EOF" {
		t.Errorf("Error() = %q", err.Error())
	}
}
