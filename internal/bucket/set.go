package bucket

import "triage/internal/crash"

// Set maps fingerprints to the crashes sharing them. Buckets and their
// members keep insertion order.
type Set struct {
	keys    []string
	members map[string][]crash.Crash
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{members: make(map[string][]crash.Crash)}
}

// Add puts c in the bucket of fingerprint fp, creating the bucket on first use.
func (s *Set) Add(fp string, c crash.Crash) {
	if _, ok := s.members[fp]; !ok {
		s.keys = append(s.keys, fp)
	}
	s.members[fp] = append(s.members[fp], c)
}

// Keys returns the fingerprints in discovery order.
func (s *Set) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Members returns the crashes of bucket fp.
func (s *Set) Members(fp string) []crash.Crash {
	return append([]crash.Crash(nil), s.members[fp]...)
}

// Len returns the number of buckets.
func (s *Set) Len() int {
	return len(s.keys)
}

// Total returns the number of crashes across all buckets.
func (s *Set) Total() int {
	n := 0
	for _, m := range s.members {
		n += len(m)
	}
	return n
}
