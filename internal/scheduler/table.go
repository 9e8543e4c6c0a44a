package scheduler

import (
	"sort"
	"sync"
	"time"

	"mp_watcher/internal/schedule"
)

type entry struct {
	spec schedule.TriggerSpec
	next time.Time
}

// Table is the in-memory registry of live triggers, one entry per trigger
// id. Entries are disposable projections of the enabled targets; Rebuild
// replaces the whole map in one swap so readers never observe a partially
// cleared table.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Rebuild derives a fresh entry set from the given trigger specs. Next fire
// times are computed relative to now.
func (t *Table) Rebuild(specs []schedule.TriggerSpec, now time.Time) {
	fresh := make(map[string]*entry, len(specs))
	for _, sp := range specs {
		fresh[sp.ID] = &entry{spec: sp, next: sp.Schedule.Next(now)}
	}

	t.mu.Lock()
	t.entries = fresh
	t.mu.Unlock()
}

// Firing is one trigger that became due.
type Firing struct {
	TriggerID string
	TargetID  string
	Due       time.Time
}

// Collect returns the triggers due at now, split into those still inside
// the grace window (to fire) and those overdue beyond it (to drop; daily
// slots are recovered by the catch-up pass on the next refresh). Every due
// entry is advanced to its next fire time either way. Fires come back
// ordered by scheduled time, so two triggers of the same target fire in
// schedule order.
func (t *Table) Collect(now time.Time, grace time.Duration) (fire, expired []Firing) {
	t.mu.Lock()
	for _, e := range t.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		f := Firing{TriggerID: e.spec.ID, TargetID: e.spec.TargetID, Due: e.next}
		if now.Sub(e.next) <= grace {
			fire = append(fire, f)
		} else {
			expired = append(expired, f)
		}
		e.next = e.spec.Schedule.Next(now)
	}
	t.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].Due.Before(fire[j].Due) })
	return fire, expired
}

// NextFireTimes is a diagnostic enumeration of the registered triggers.
func (t *Table) NextFireTimes() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]time.Time, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.next
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
