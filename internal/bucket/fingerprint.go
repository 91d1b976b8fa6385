// Package bucket groups crashes by the tail of their coverage and writes
// the groups out as directories.
//
// Two crashes whose last N executed instructions are identical are taken to
// be the same bug: the end of a trace is what sits closest to the fault.
package bucket

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"triage/internal/trace"
)

// DefaultLimit is the default tail window size.
const DefaultLimit = 50

// Fingerprint hashes the last limit addresses of coverage. Each address
// contributes its 16 digit lowercase hex form, in execution order, to a
// SHA-1 digest; the hex digest is the bucket key. Coverage shorter than
// limit is hashed whole, as is any coverage when limit <= 0.
func Fingerprint(coverage []trace.Event, limit int) string {
	tail := coverage
	if limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}

	h := sha1.New()
	for _, ev := range tail {
		fmt.Fprintf(h, "%016x", ev.Address)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmptyFingerprint is the key of every crash with no recorded coverage.
var EmptyFingerprint = Fingerprint(nil, DefaultLimit)
