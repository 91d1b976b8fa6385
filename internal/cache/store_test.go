package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"triage/internal/trace"
)

func sampleTrace(addrs ...uint64) *trace.Trace {
	tr := &trace.Trace{Status: trace.StatusCrash, Coverage: []trace.Event{}}
	for _, a := range addrs {
		tr.Coverage = append(tr.Coverage, trace.Event{Address: a})
	}
	return tr
}

// Property: a saved trace is returned unchanged by Lookup.
func TestStore_SaveLookup_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("lookup returns saved trace unchanged", prop.ForAll(
		func(id string, addrs []uint64) bool {
			if id == "" {
				return true
			}

			store := NewStore(filepath.Join(t.TempDir(), "traces"))
			name := id + ".bin"

			path, err := store.Save(name, sampleTrace(addrs...))
			if err != nil {
				return false
			}
			if path != filepath.Join(store.Dir, name+".trace.json") {
				return false
			}

			loaded, err := store.Lookup(name)
			if err != nil {
				return false
			}
			got := loaded.Addresses()
			if len(got) != len(addrs) {
				return false
			}
			for i := range addrs {
				if got[i] != addrs[i] {
					return false
				}
			}
			return loaded.Status == trace.StatusCrash
		},
		gen.Identifier(),
		gen.SliceOf(gen.UInt64()),
	))

	properties.TestingRun(t)
}

// Property: Delete removes exactly the named trace.
func TestStore_Delete_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delete removes trace", prop.ForAll(
		func(id string) bool {
			if id == "" {
				return true
			}

			store := NewStore(t.TempDir())
			if _, err := store.Save(id+".bin", sampleTrace(1)); err != nil {
				return false
			}
			if _, err := store.Save("other.bin", sampleTrace(2)); err != nil {
				return false
			}
			if err := store.Delete(id + ".bin"); err != nil {
				return false
			}
			if _, err := store.Lookup(id + ".bin"); err != ErrTraceNotFound {
				return false
			}
			if id == "other" {
				return true
			}
			_, err := store.Lookup("other.bin")
			return err == nil
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestStore_LookupNotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Lookup("missing.bin")
	if err != ErrTraceNotFound {
		t.Errorf("error = %v, want ErrTraceNotFound", err)
	}
}

func TestStore_LookupCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"coverage": [[5368713216, null], [53`},
		{"no coverage", `{"status": "crash"}`},
		{"not json", "\x00\x01\x02"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(t.TempDir())
			if err := os.WriteFile(store.Path("a.bin"), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			_, err := store.Lookup("a.bin")
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				t.Fatalf("error = %v, want *CorruptError", err)
			}
			if corrupt.Path != store.Path("a.bin") {
				t.Errorf("Path = %q, want %q", corrupt.Path, store.Path("a.bin"))
			}
		})
	}
}

func TestStore_LookupUnreadable(t *testing.T) {
	store := NewStore(t.TempDir())
	// a directory where the trace file should be
	if err := os.Mkdir(store.Path("a.bin"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := store.Lookup("a.bin")
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("error = %v, want *CorruptError", err)
	}
	if err := store.Delete("a.bin"); err != nil {
		t.Errorf("Delete() of the empty directory error = %v", err)
	}
}

func TestStore_DeleteNotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	err := store.Delete("missing.bin")
	if err != ErrTraceNotFound {
		t.Errorf("error = %v, want ErrTraceNotFound", err)
	}
}

func TestStore_Path(t *testing.T) {
	store := NewStore("/tmp/out/traces")

	path := store.Path("crash-0001.bin")
	expected := "/tmp/out/traces/crash-0001.bin.trace.json"
	if path != expected {
		t.Errorf("path = %q, want %q", path, expected)
	}
}

func TestStore_List(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, name := range []string{"b.bin", "a.bin"} {
		if _, err := store.Save(name, sampleTrace()); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Dir, "stray.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.bin" || names[1] != "b.bin" {
		t.Errorf("List() = %v, want [a.bin b.bin]", names)
	}
}

func TestStore_ListNonexistentDir(t *testing.T) {
	store := NewStore("/nonexistent/path/that/does/not/exist")

	names, err := store.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("len(names) = %d, want 0", len(names))
	}
}

func TestStore_Init(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "out", "traces"))
	if err := store.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if info, err := os.Stat(store.Dir); err != nil || !info.IsDir() {
		t.Errorf("cache directory not created: %v", err)
	}
}
