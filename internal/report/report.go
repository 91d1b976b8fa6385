// Package report renders the outcome of a triage run.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"triage/internal/triage"
)

// FileName is the summary written next to the buckets directory.
const FileName = "summary.json"

// Summary is the serializable outcome of a run.
type Summary struct {
	Crashes    int           `json:"crashes"`
	Unique     int           `json:"unique"`
	Limit      int           `json:"limit"`
	CacheHits  int           `json:"cacheHits"`
	Replayed   int           `json:"replayed"`
	Buckets    []Bucket      `json:"buckets"`
	Failures   []Failure     `json:"failures"`
	CopyErrors []CopyFailure `json:"copyErrors"`
	Stale      []string      `json:"stale"`
}

// Bucket is one unique crash and its duplicates.
type Bucket struct {
	Fingerprint string   `json:"fingerprint"`
	Files       []string `json:"files"`
}

// Failure is a crash left out of bucketing.
type Failure struct {
	Crash string `json:"crash"`
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// CopyFailure is a file missing from its bucket directory.
type CopyFailure struct {
	Bucket string `json:"bucket"`
	File   string `json:"file"`
	Error  string `json:"error"`
}

// Summarize builds the summary of res.
func Summarize(res *triage.Result, limit int) Summary {
	s := Summary{
		Crashes:    res.Crashes,
		Unique:     res.Buckets.Len(),
		Limit:      limit,
		CacheHits:  res.CacheHits,
		Replayed:   res.Replayed,
		Buckets:    []Bucket{},
		Failures:   []Failure{},
		CopyErrors: []CopyFailure{},
		Stale:      append([]string{}, res.Stale...),
	}
	for _, fp := range res.Buckets.Keys() {
		b := Bucket{Fingerprint: fp, Files: []string{}}
		for _, c := range res.Buckets.Members(fp) {
			b.Files = append(b.Files, c.Name)
		}
		s.Buckets = append(s.Buckets, b)
	}
	for _, re := range res.Failed {
		s.Failures = append(s.Failures, Failure{
			Crash: re.CrashID,
			Phase: string(re.Phase),
			Error: re.Err.Error(),
		})
	}
	for _, ce := range res.CopyErrors {
		s.CopyErrors = append(s.CopyErrors, CopyFailure{
			Bucket: ce.Bucket,
			File:   filepath.Base(ce.Src),
			Error:  ce.Err.Error(),
		})
	}
	return s
}

// FormatCLI formats the summary for terminal output.
func FormatCLI(s Summary) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("triaged %d crash(es): %d unique", s.Crashes, s.Unique))
	if len(s.Failures) > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", len(s.Failures)))
	}
	sb.WriteString(fmt.Sprintf(" (%d cached, %d replayed)\n", s.CacheHits, s.Replayed))

	for _, b := range s.Buckets {
		sb.WriteString(fmt.Sprintf("  %s  %d file(s)\n", b.Fingerprint, len(b.Files)))
	}
	for _, f := range s.Failures {
		sb.WriteString(fmt.Sprintf("  ✗ %s: %s failed: %s\n", f.Crash, f.Phase, f.Error))
	}
	if len(s.CopyErrors) > 0 {
		sb.WriteString(fmt.Sprintf("\n%d file(s) could not be copied:\n", len(s.CopyErrors)))
		for _, c := range s.CopyErrors {
			sb.WriteString(fmt.Sprintf("  %s/%s: %s\n", c.Bucket, c.File, c.Error))
		}
	}
	if len(s.Stale) > 0 {
		sb.WriteString(fmt.Sprintf("\n%d cached trace(s) without a crash\n", len(s.Stale)))
	}
	return sb.String()
}

// FormatJSON formats the summary as JSON.
func FormatJSON(s Summary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteToFile writes the summary to the specified path, creating parent directories if needed.
func (s Summary) WriteToFile(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	data, err := FormatJSON(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, []byte(data+"\n"), 0644)
}
