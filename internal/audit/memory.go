package audit

import "sync"

// Memory is an in-process Sink that keeps entries in order. It backs
// dry-run checks and tests; production uses *Log.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends a copy of the entry.
func (m *Memory) Record(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a snapshot of recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many entries match the filter.
func (m *Memory) Count(f Filter) int {
	n := 0
	for _, e := range m.Entries() {
		if f.Matches(e) {
			n++
		}
	}
	return n
}
