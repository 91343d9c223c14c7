// Package schedule keeps the in-memory copy of local appointments that the
// dashboard reads from.
package schedule

import (
	"sync"
	"time"

	"github.com/wolfman30/barber-sync/internal/appointments"
)

// Mirror is a concurrency-safe map of appointments keyed by id.
type Mirror struct {
	mu    sync.RWMutex
	items map[string]appointments.Appointment
	loc   *time.Location
}

// NewMirror returns an empty mirror that computes "today" in loc.
func NewMirror(loc *time.Location) *Mirror {
	if loc == nil {
		loc = time.UTC
	}
	return &Mirror{items: make(map[string]appointments.Appointment), loc: loc}
}

// Replace swaps the whole contents, e.g. after loading from the store.
func (m *Mirror) Replace(list []appointments.Appointment) {
	items := make(map[string]appointments.Appointment, len(list))
	for _, a := range list {
		items[a.ID] = a
	}
	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
}

func (m *Mirror) Upsert(a appointments.Appointment) {
	m.mu.Lock()
	m.items[a.ID] = a
	m.mu.Unlock()
}

func (m *Mirror) Remove(id string) {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
}

// Rename moves an entry to the id the server assigned.
func (m *Mirror) Rename(oldID string, updated appointments.Appointment) {
	m.mu.Lock()
	delete(m.items, oldID)
	m.items[updated.ID] = updated
	m.mu.Unlock()
}

// Get returns one appointment.
func (m *Mirror) Get(id string) (appointments.Appointment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	return a, ok
}

// Snapshot returns every appointment sorted by start time.
func (m *Mirror) Snapshot() []appointments.Appointment {
	m.mu.RLock()
	out := make([]appointments.Appointment, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a)
	}
	m.mu.RUnlock()
	appointments.SortByStart(out)
	return out
}

// Len returns the number of appointments held.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Location is the zone used for day boundaries.
func (m *Mirror) Location() *time.Location { return m.loc }

// Next returns the next upcoming appointment at or after now.
func (m *Mirror) Next(now time.Time) (appointments.Appointment, bool) {
	return appointments.Next(m.Snapshot(), now)
}

// Today returns the appointments on now's calendar day.
func (m *Mirror) Today(now time.Time) []appointments.Appointment {
	return appointments.OnDay(m.Snapshot(), now, m.loc)
}

// Filter applies f to the current contents.
func (m *Mirror) Filter(f appointments.Filter) []appointments.Appointment {
	return f.Apply(m.Snapshot(), m.loc)
}
