package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"triage/internal/bucket"
	"triage/internal/crash"
	"triage/internal/replay"
	"triage/internal/triage"
)

func sampleResult() *triage.Result {
	set := bucket.NewSet()
	set.Add("aaaa", crash.New("in", "a1.bin"))
	set.Add("bbbb", crash.New("in", "b1.bin"))
	set.Add("aaaa", crash.New("in", "a2.bin"))
	return &triage.Result{
		Buckets: set,
		Failed: []*replay.ReplayError{
			{CrashID: "c.bin", Phase: replay.PhaseInject, Err: errors.New("page not present")},
		},
		CopyErrors: []*bucket.CopyError{
			{Bucket: "bbbb", Src: "in/b1.json", Err: errors.New("no such file")},
		},
		Crashes:   4,
		CacheHits: 1,
		Replayed:  3,
		Stale:     []string{"old.bin"},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleResult(), 50)

	if s.Crashes != 4 || s.Unique != 2 || s.Limit != 50 || s.CacheHits != 1 || s.Replayed != 3 {
		t.Errorf("Summary counts = %+v", s)
	}
	if len(s.Buckets) != 2 || s.Buckets[0].Fingerprint != "aaaa" {
		t.Fatalf("Buckets = %+v", s.Buckets)
	}
	if got := strings.Join(s.Buckets[0].Files, ","); got != "a1.bin,a2.bin" {
		t.Errorf("Buckets[0].Files = %s", got)
	}
	if len(s.Failures) != 1 || s.Failures[0].Phase != "inject" {
		t.Errorf("Failures = %+v", s.Failures)
	}
	if len(s.CopyErrors) != 1 || s.CopyErrors[0].File != "b1.json" {
		t.Errorf("CopyErrors = %+v", s.CopyErrors)
	}
	if len(s.Stale) != 1 || s.Stale[0] != "old.bin" {
		t.Errorf("Stale = %v", s.Stale)
	}
}

func TestFormatCLI(t *testing.T) {
	output := FormatCLI(Summarize(sampleResult(), 50))

	for _, want := range []string{
		"triaged 4 crash(es): 2 unique, 1 failed (1 cached, 3 replayed)",
		"aaaa  2 file(s)",
		"bbbb  1 file(s)",
		"c.bin: inject failed: page not present",
		"bbbb/b1.json: no such file",
		"1 cached trace(s) without a crash",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("FormatCLI() missing %q in:\n%s", want, output)
		}
	}
}

func TestFormatCLI_NoFailures(t *testing.T) {
	res := &triage.Result{Buckets: bucket.NewSet()}
	output := FormatCLI(Summarize(res, 50))

	if output != "triaged 0 crash(es): 0 unique (0 cached, 0 replayed)\n" {
		t.Errorf("FormatCLI() = %q", output)
	}
}

func TestWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", FileName)
	s := Summarize(sampleResult(), 50)

	if err := s.WriteToFile(path); err != nil {
		t.Fatalf("WriteToFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var loaded Summary
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if loaded.Unique != 2 || len(loaded.Buckets) != 2 {
		t.Errorf("loaded = %+v", loaded)
	}
}

// Property: the JSON summary lists every bucket member exactly once.
func TestFormatJSON_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("JSON carries all members", prop.ForAll(
		func(keys []uint8) bool {
			set := bucket.NewSet()
			for i, k := range keys {
				set.Add(string(rune('a'+k%5)), crash.New("in", string(rune('A'+i))+".bin"))
			}
			out, err := FormatJSON(Summarize(&triage.Result{Buckets: set, Crashes: len(keys)}, 50))
			if err != nil {
				return false
			}
			var s Summary
			if err := json.Unmarshal([]byte(out), &s); err != nil {
				return false
			}
			total := 0
			for _, b := range s.Buckets {
				total += len(b.Files)
			}
			return total == len(keys) && s.Unique == set.Len() && s.Failures != nil
		},
		gen.SliceOfN(20, gen.UInt8()),
	))

	properties.TestingRun(t)
}
