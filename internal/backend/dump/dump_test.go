package dump

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"triage/internal/backend"
	"triage/internal/mem"
	"triage/internal/trace"
)

const (
	tracerEnv      = "TRIAGE_TEST_TRACER"
	tracerFailEnv  = "TRIAGE_TEST_TRACER_FAIL"
	tracerSleepEnv = "TRIAGE_TEST_TRACER_SLEEP"

	testCR3  = 0x1000
	testGVA  = 0x400000
	testPage = 0x5000
)

// TestMain lets the test binary double as the tracer executable.
func TestMain(m *testing.M) {
	if os.Getenv(tracerEnv) == "1" {
		os.Exit(fakeTracer())
	}
	os.Exit(m.Run())
}

// fakeTracer reports one coverage event per non-zero patched byte, at the
// byte's physical address.
func fakeTracer() int {
	if os.Getenv(tracerFailEnv) == "1" {
		fmt.Fprintln(os.Stderr, "vcpu exploded")
		return 3
	}
	if os.Getenv(tracerSleepEnv) == "1" {
		time.Sleep(time.Minute)
	}

	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := os.Stat(req.Memory); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tr := &trace.Trace{Status: trace.StatusSuccess}
	if req.Params.Coverage == backend.CoverageInstrs {
		tr.Status = trace.StatusCrash
		for _, p := range req.Patches {
			for i, b := range p.Data {
				if b != 0 {
					tr.Coverage = append(tr.Coverage, trace.Event{Address: p.GPA + uint64(i)})
				}
			}
		}
	}
	if err := tr.Encode(os.Stdout); err != nil {
		return 1
	}
	return 0
}

// writeDump creates a dump whose cr3 maps testGVA to testPage.
func writeDump(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	physical := mem.NewPhysical()
	tables := []uint64{0x1000, 0x2000, 0x3000, 0x4000}
	for _, base := range append(tables, testPage) {
		physical.AddPage(base, new(mem.Page))
	}
	put := func(table, index, value uint64) {
		page, _ := physical.Page(table)
		binary.LittleEndian.PutUint64(page[index*8:], value)
	}
	put(0x1000, 0, 0x2000|3)
	put(0x2000, 0, 0x3000|3)
	put(0x3000, 2, 0x4000|3)
	put(0x4000, 0, testPage|3)

	f, err := os.Create(filepath.Join(dir, DefaultMemoryFile))
	require.NoError(t, err)
	require.NoError(t, mem.WritePageFile(f, physical))
	require.NoError(t, f.Close())

	exe, err := os.Executable()
	require.NoError(t, err)
	m := Manifest{
		Tracer:  []string{exe},
		Context: backend.Context{"rip": 0x140001000, "cr3": testCR3},
		Params:  backend.Params{Coverage: backend.CoverageNone},
	}
	data, err := yaml.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), data, 0644))
	return dir
}

func TestBackend_ReplayProtocol(t *testing.T) {
	t.Setenv(tracerEnv, "1")
	img, err := Load(writeDump(t))
	require.NoError(t, err)
	require.Equal(t, 5, img.physical.Len())

	b := img.NewBackend()
	ctx := context.Background()
	bc, err := b.InitialContext(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(testCR3), bc.CR3())
	params, err := b.Params(ctx)
	require.NoError(t, err)

	tr, err := b.Execute(ctx, bc, params.MappingParams())
	require.NoError(t, err)
	require.Empty(t, tr.Coverage)
	require.NoError(t, b.Reset(ctx))

	require.NoError(t, b.WriteMemory(ctx, testGVA+0x10, []byte{0xaa, 0, 0xbb}))
	buf := make([]byte, 3)
	require.NoError(t, b.ReadMemory(ctx, testGVA+0x10, buf))
	require.Equal(t, []byte{0xaa, 0, 0xbb}, buf)
	tr, err = b.Execute(ctx, bc, params.ReplayParams())
	require.NoError(t, err)
	require.Equal(t, trace.StatusCrash, tr.Status)
	require.Equal(t, []uint64{testPage + 0x10, testPage + 0x12}, tr.Addresses())

	// Reset drops the injected input
	require.NoError(t, b.Reset(ctx))
	tr, err = b.Execute(ctx, bc, params.ReplayParams())
	require.NoError(t, err)
	require.Empty(t, tr.Coverage)
}

func TestBackend_IndependentInstances(t *testing.T) {
	t.Setenv(tracerEnv, "1")
	img, err := Load(writeDump(t))
	require.NoError(t, err)

	ctx := context.Background()
	first, second := img.NewBackend(), img.NewBackend()
	require.NoError(t, first.WriteMemory(ctx, testGVA, []byte{1}))

	tr, err := second.Execute(ctx, img.Manifest.Context, img.Manifest.Params.ReplayParams())
	require.NoError(t, err)
	require.Empty(t, tr.Coverage, "write on one instance leaked into another")
}

func TestBackend_WriteUnmapped(t *testing.T) {
	img, err := Load(writeDump(t))
	require.NoError(t, err)

	err = img.NewBackend().WriteMemory(context.Background(), 0x8000000000, []byte{1})
	var execErr *backend.ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.True(t, errors.Is(err, mem.ErrPML4ENotPresent))
}

func TestBackend_ReadUnmapped(t *testing.T) {
	img, err := Load(writeDump(t))
	require.NoError(t, err)

	err = img.NewBackend().ReadMemory(context.Background(), 0x8000000000, make([]byte, 1))
	var execErr *backend.ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.True(t, errors.Is(err, mem.ErrPML4ENotPresent))
}

func TestBackend_TracerFailure(t *testing.T) {
	t.Setenv(tracerEnv, "1")
	t.Setenv(tracerFailEnv, "1")
	img, err := Load(writeDump(t))
	require.NoError(t, err)

	_, err = img.NewBackend().Execute(context.Background(), img.Manifest.Context, img.Manifest.Params)
	var execErr *backend.ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Contains(t, err.Error(), "vcpu exploded")
}

func TestBackend_TracerDeadline(t *testing.T) {
	t.Setenv(tracerEnv, "1")
	t.Setenv(tracerSleepEnv, "1")
	img, err := Load(writeDump(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = img.NewBackend().Execute(ctx, img.Manifest.Context, img.Manifest.Params)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBackend_TracerNotFound(t *testing.T) {
	dir := writeDump(t)
	img, err := Load(dir)
	require.NoError(t, err)
	img.Manifest.Tracer = []string{"./no-such-tracer"}

	_, err = img.NewBackend().Execute(context.Background(), img.Manifest.Context, img.Manifest.Params)
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, m Manifest)
	}{
		{
			name: "minimal",
			content: `tracer: [snapshot-tracer, --quiet]
context:
  rip: 0x140001000
  cr3: 0x1ad000
`,
			check: func(t *testing.T, m Manifest) {
				require.Equal(t, []string{"snapshot-tracer", "--quiet"}, m.Tracer)
				require.Equal(t, DefaultMemoryFile, m.Memory)
				require.Equal(t, uint64(0x1ad000), m.Context.CR3())
				require.Equal(t, backend.CoverageNone, m.Params.Coverage)
			},
		},
		{
			name: "explicit params",
			content: `tracer: [tracer]
memory: pages.bin
context: {rip: 1}
params:
  limit: 100000
  coverage: instrs
  save_context: true
`,
			check: func(t *testing.T, m Manifest) {
				require.Equal(t, "pages.bin", m.Memory)
				require.Equal(t, uint64(100000), m.Params.Limit)
				require.Equal(t, backend.CoverageInstrs, m.Params.Coverage)
				require.True(t, m.Params.SaveContext)
			},
		},
		{name: "missing tracer", content: "context: {rip: 1}\n", wantErr: true},
		{name: "missing context", content: "tracer: [t]\n", wantErr: true},
		{name: "bad coverage", content: "tracer: [t]\ncontext: {rip: 1}\nparams: {coverage: edges}\n", wantErr: true},
		{name: "invalid yaml", content: "tracer: [t\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.content))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}
