package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"triage/internal/backend/backendtest"
)

// Helper to build the triage binary for integration tests
func buildTriageBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the binary")
	}

	binPath := filepath.Join(t.TempDir(), "triage")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = "."
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Failed to build triage binary: %v\nOutput: %s", err, output)
	}

	return binPath
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func TestBinary_ExitCodes(t *testing.T) {
	binPath := buildTriageBinary(t)

	crashes := writeCrashes(t, map[string][]byte{"a": {1, 2}, "b": {1, 2}})
	addr := serveFake(t, backendtest.New())

	tests := []struct {
		name     string
		args     []string
		env      []string
		wantCode int
		wantOut  string
	}{
		{name: "help", args: []string{"--help"}, wantCode: exitOK, wantOut: "Usage:"},
		{name: "usage", args: []string{"only-one"}, wantCode: exitUsage},
		{name: "config", args: []string{"--jobs", "0", "a", "b"}, wantCode: exitConfig},
		{name: "config from env", args: []string{"a", "b"}, env: []string{"TRIAGE_LOG_FORMAT=xml"}, wantCode: exitConfig},
		{name: "setup", args: []string{"--snapshot", "127.0.0.1:1", crashes, t.TempDir()}, wantCode: exitSetup},
		{name: "triage", args: []string{crashes, t.TempDir()}, env: []string{"TRIAGE_SNAPSHOT=" + addr}, wantCode: exitOK, wantOut: "1 unique"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			cmd := exec.Command(binPath, tt.args...)
			cmd.Env = append(os.Environ(), tt.env...)
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			code := exitCode(cmd.Run())
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d\nstderr: %s", code, tt.wantCode, stderr.String())
			}
			if tt.wantOut != "" && !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout = %q, want it to contain %q", stdout.String(), tt.wantOut)
			}
		})
	}
}
