package slots

import (
	"context"
	"sort"
	"sync"
)

// Booked maps a date key to the set of times already claimed on that day.
type Booked map[string]map[string]struct{}

// Has reports whether s is claimed.
func (b Booked) Has(s Slot) bool {
	times, ok := b[s.DateKey]
	if !ok {
		return false
	}
	_, ok = times[s.Time]
	return ok
}

// Add records s as claimed.
func (b Booked) Add(s Slot) {
	times, ok := b[s.DateKey]
	if !ok {
		times = make(map[string]struct{})
		b[s.DateKey] = times
	}
	times[s.Time] = struct{}{}
}

// Times lists the claimed times for a day in lexical order.
func (b Booked) Times(dateKey string) []string {
	out := make([]string, 0, len(b[dateKey]))
	for t := range b[dateKey] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Store persists each doctor's booked slots. Add must be a single atomic
// add-if-absent: it returns false, not an error, when the slot is taken.
// Remove is a no-op for absent slots and drops the day entry once it is empty.
type Store interface {
	Add(ctx context.Context, doctorID string, s Slot) (bool, error)
	Remove(ctx context.Context, doctorID string, s Slot) error
	BookedOn(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error)
}

// MemoryStore keeps booked slots in process memory. It is correct for a
// single instance only; use it for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]Booked
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]Booked)}
}

func (m *MemoryStore) Add(ctx context.Context, doctorID string, s Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.slots[doctorID]
	if !ok {
		b = make(Booked)
		m.slots[doctorID] = b
	}
	if b.Has(s) {
		return false, nil
	}
	b.Add(s)
	return true, nil
}

func (m *MemoryStore) Remove(ctx context.Context, doctorID string, s Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.slots[doctorID]
	if !ok {
		return nil
	}
	times, ok := b[s.DateKey]
	if !ok {
		return nil
	}
	delete(times, s.Time)
	if len(times) == 0 {
		delete(b, s.DateKey)
	}
	if len(b) == 0 {
		delete(m.slots, doctorID)
	}
	return nil
}

func (m *MemoryStore) BookedOn(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Booked)
	b := m.slots[doctorID]
	for _, key := range dateKeys {
		for t := range b[key] {
			out.Add(Slot{DateKey: key, Time: t})
		}
	}
	return out, nil
}

// DayCount returns how many day entries a doctor has; used to check empty days are dropped.
func (m *MemoryStore) DayCount(doctorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots[doctorID])
}
