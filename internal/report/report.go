// Package report collects per-type and per-item outcomes of a run. Partial
// success is the normal case: failures are recorded next to successes and
// surfaced together at the end.
package report

import (
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Outcome of one item
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
	Removed   Outcome = "removed"
)

// Entry is one recorded outcome. Key is empty for type-level entries.
type Entry struct {
	TypeName string
	Key      string
	Outcome  Outcome
	Err      error
	Message  string
}

// Counts tallies outcomes of one type
type Counts struct {
	TypeName  string
	Succeeded int
	Failed    int
	Skipped   int
	Removed   int
}

// Summary is safe for concurrent use
type Summary struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty summary
func New() *Summary {
	return &Summary{}
}

// Add records an entry
func (s *Summary) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Succeed records a successful item
func (s *Summary) Succeed(typeName, key string) {
	s.Add(Entry{TypeName: typeName, Key: key, Outcome: Succeeded})
}

// Fail records a failed item, or a failed type when key is empty
func (s *Summary) Fail(typeName, key string, err error) {
	s.Add(Entry{TypeName: typeName, Key: key, Outcome: Failed, Err: err})
}

// Skip records an item that was not processed
func (s *Summary) Skip(typeName, key string, err error) {
	s.Add(Entry{TypeName: typeName, Key: key, Outcome: Skipped, Err: err})
}

// Remove records an item dropped by a validation fix
func (s *Summary) Remove(typeName, key, reason string) {
	s.Add(Entry{TypeName: typeName, Key: key, Outcome: Removed, Message: reason})
}

// Merge appends all entries of other
func (s *Summary) Merge(other *Summary) {
	if other == nil || other == s {
		return
	}
	entries := other.Entries()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
}

// Entries returns a copy of all entries in recording order
func (s *Summary) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Counts returns per-type tallies sorted by type name
func (s *Summary) Counts() []Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]*Counts)
	for _, e := range s.entries {
		c, ok := byType[e.TypeName]
		if !ok {
			c = &Counts{TypeName: e.TypeName}
			byType[e.TypeName] = c
		}
		if e.Key == "" && e.Outcome == Succeeded {
			continue
		}
		switch e.Outcome {
		case Succeeded:
			c.Succeeded++
		case Failed:
			c.Failed++
		case Skipped:
			c.Skipped++
		case Removed:
			c.Removed++
		}
	}

	out := make([]Counts, 0, len(byType))
	for _, c := range byType {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeName < out[j].TypeName })
	return out
}

// HasFailures reports whether any item or type failed
func (s *Summary) HasFailures() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Outcome == Failed {
			return true
		}
	}
	return false
}

// Err combines the errors of all failed and skipped entries
func (s *Summary) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, e := range s.entries {
		if e.Err != nil && (e.Outcome == Failed || e.Outcome == Skipped) {
			err = multierr.Append(err, e.Err)
		}
	}
	return err
}
