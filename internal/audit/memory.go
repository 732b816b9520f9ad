package audit

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity is the number of entries the in-memory sink retains.
const DefaultMemoryCapacity = 200

// Memory keeps the most recent entries in a fixed-size ring.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// NewMemory creates a ring holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		entries: make([]Entry, capacity),
		now:     time.Now,
	}
}

// LogEvent implements Sink.
func (m *Memory) LogEvent(_ context.Context, action string, severity Severity, message string, metadata map[string]any) error {
	e, err := newEntry(action, severity, message, metadata, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// Entries returns retained entries, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		out := make([]Entry, m.next)
		copy(out, m.entries[:m.next])
		return out
	}
	out := make([]Entry, 0, len(m.entries))
	out = append(out, m.entries[m.next:]...)
	out = append(out, m.entries[:m.next]...)
	return out
}

// Query implements Querier. Results are newest first.
func (m *Memory) Query(_ context.Context, filter Filter) ([]Entry, error) {
	all := m.Entries()
	out := []Entry{}
	for i := len(all) - 1; i >= 0; i-- {
		if !filter.Matches(all[i]) {
			continue
		}
		out = append(out, all[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
