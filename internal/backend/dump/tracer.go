package dump

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"triage/internal/backend"
	"triage/internal/trace"
)

// maxStderr bounds the tracer diagnostics kept for error messages.
const maxStderr = 4096

// Patch is a modified physical page handed to the tracer.
type Patch struct {
	GPA  uint64 `json:"gpa"`
	Data []byte `json:"data"`
}

// Request is the JSON document the tracer reads on stdin.
type Request struct {
	Context backend.Context `json:"context"`
	Params  backend.Params  `json:"params"`
	Memory  string          `json:"memory"`
	Patches []Patch         `json:"patches"`
}

// resolveTracer finds the tracer executable. Paths containing a separator
// are taken relative to the dump directory; bare names go through PATH.
func resolveTracer(dir, name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	return exec.LookPath(name)
}

// runTracer executes argv with req on stdin and decodes the trace it prints.
// The process is killed when ctx is done.
func runTracer(ctx context.Context, dir string, argv []string, req Request) (*trace.Trace, error) {
	path, err := resolveTracer(dir, argv[0])
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.Wrapf(err, "tracer not found: %s", argv[0])
		}
		return nil, errors.Wrapf(err, "tracer %s", argv[0])
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode tracer request")
	}

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderr}
	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "tracer interrupted")
		}
		if IsPermissionDenied(err) {
			return nil, errors.Wrapf(err, "permission denied: %s", path)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrapf(err, "tracer failed: %s", msg)
		}
		return nil, errors.Wrap(err, "tracer failed")
	}

	tr, err := trace.Decode(&stdout)
	if err != nil {
		return nil, errors.Wrap(err, "decode tracer output")
	}
	return tr, nil
}

// IsNotFound checks if the error indicates the tracer was not found
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound)
}

// IsPermissionDenied checks if the error indicates permission was denied
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
