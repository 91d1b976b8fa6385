package dump

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"triage/internal/backend"
	"triage/internal/mem"
	"triage/internal/trace"
)

// Image is a loaded dump. Its physical memory is read-only and shared by
// every Backend created from it.
type Image struct {
	Dir      string
	Manifest Manifest

	memoryPath string
	physical   *mem.Physical
}

// Load reads the manifest and page file of the dump in dir.
func Load(dir string) (*Image, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	m, err := LoadManifest(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "load dump manifest %s", abs)
	}

	memoryPath := m.Memory
	if !filepath.IsAbs(memoryPath) {
		memoryPath = filepath.Join(abs, memoryPath)
	}
	f, err := os.Open(memoryPath)
	if err != nil {
		return nil, errors.Wrap(err, "open dump memory")
	}
	defer f.Close()

	physical, err := mem.ReadPageFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read dump memory %s", memoryPath)
	}

	return &Image{
		Dir:        abs,
		Manifest:   m,
		memoryPath: memoryPath,
		physical:   physical,
	}, nil
}

// NewBackend returns an independent machine state over the image.
func (img *Image) NewBackend() *Backend {
	return &Backend{
		img:     img,
		overlay: mem.NewOverlay(img.physical),
	}
}

// Backend runs the image's tracer against a private copy-on-write view of
// the dump.
type Backend struct {
	img     *Image
	overlay *mem.Overlay
}

func (b *Backend) InitialContext(ctx context.Context) (backend.Context, error) {
	return b.img.Manifest.Context.Clone(), nil
}

func (b *Backend) Params(ctx context.Context) (backend.Params, error) {
	return b.img.Manifest.Params, nil
}

func (b *Backend) Execute(ctx context.Context, c backend.Context, p backend.Params) (*trace.Trace, error) {
	req := Request{
		Context: c,
		Params:  p,
		Memory:  b.img.memoryPath,
		Patches: []Patch{},
	}
	for _, d := range b.overlay.Dirty() {
		req.Patches = append(req.Patches, Patch{GPA: d.GPA, Data: d.Data[:]})
	}

	tr, err := runTracer(ctx, b.img.Dir, b.img.Manifest.Tracer, req)
	if err != nil {
		return nil, &backend.ExecutionError{Op: "execute", Err: err}
	}
	return tr, nil
}

// WriteMemory translates addr with the dump's initial cr3 and writes into
// the overlay.
func (b *Backend) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	cr3 := b.img.Manifest.Context.CR3()
	if err := mem.WriteVirtual(b.overlay, cr3, addr, data); err != nil {
		return &backend.ExecutionError{Op: "write memory", Err: errors.Wrapf(err, "write %d byte(s) at %#x", len(data), addr)}
	}
	return nil
}

// ReadMemory reads through the overlay, so it sees what WriteMemory wrote.
func (b *Backend) ReadMemory(ctx context.Context, addr uint64, buf []byte) error {
	cr3 := b.img.Manifest.Context.CR3()
	if err := mem.ReadVirtual(b.overlay, cr3, addr, buf); err != nil {
		return &backend.ExecutionError{Op: "read memory", Err: errors.Wrapf(err, "read %d byte(s) at %#x", len(buf), addr)}
	}
	return nil
}

func (b *Backend) Reset(ctx context.Context) error {
	b.overlay.Reset()
	return nil
}

func (b *Backend) Close() error {
	return nil
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.MemoryReader = (*Backend)(nil)
)
