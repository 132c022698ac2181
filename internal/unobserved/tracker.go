// Package unobserved tracks which sessions have finished a turn that no
// client has seen yet. Membership is an O(1) in-memory set; the only I/O is
// persisting idle/observed timestamps to per-session metadata, which makes
// the set reconstructible across daemon restarts.
package unobserved

import (
	"sync"
	"time"

	"github.com/icksaur/caco/internal/store"
)

// Tracker maintains the unobserved set. A session is unobserved iff its
// last-idle time is strictly after its last-observed time, or it has never
// been observed.
type Tracker struct {
	mu      sync.Mutex
	members map[string]struct{}
	meta    *store.MetadataStore

	// notify, when set, receives the new set size after every membership
	// change. The broadcaster fans it out to clients.
	notify func(count int)

	now func() time.Time // test override
}

func NewTracker(meta *store.MetadataStore, notify func(count int)) *Tracker {
	return &Tracker{
		members: make(map[string]struct{}),
		meta:    meta,
		notify:  notify,
		now:     time.Now,
	}
}

// Hydrate derives initial membership from persisted timestamps. Runs once at
// startup, before any live traffic.
func (t *Tracker) Hydrate(knownIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range knownIDs {
		m, err := t.meta.Load(id)
		if err != nil {
			return err
		}
		if m.LastIdleAt == nil {
			continue
		}
		if m.LastObservedAt == nil || m.LastIdleAt.After(*m.LastObservedAt) {
			t.members[id] = struct{}{}
		}
	}
	return nil
}

// MarkIdle records that a session just finished a turn. Returns true if the
// session was newly added to the set.
func (t *Tracker) MarkIdle(sessionID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	if _, err := t.meta.Update(sessionID, func(m *store.Metadata) {
		m.LastIdleAt = &now
	}); err != nil {
		return false, err
	}

	if _, ok := t.members[sessionID]; ok {
		return false, nil
	}
	t.members[sessionID] = struct{}{}
	t.broadcast()
	return true, nil
}

// MarkObserved records that a client has seen the session's latest turn.
// Returns true if the session was removed from the set.
func (t *Tracker) MarkObserved(sessionID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	if _, err := t.meta.Update(sessionID, func(m *store.Metadata) {
		m.LastObservedAt = &now
	}); err != nil {
		return false, err
	}

	if _, ok := t.members[sessionID]; !ok {
		return false, nil
	}
	delete(t.members, sessionID)
	t.broadcast()
	return true, nil
}

// Forget drops a deleted session from the set without touching metadata
// (the metadata record is being removed anyway).
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[sessionID]; !ok {
		return
	}
	delete(t.members, sessionID)
	t.broadcast()
}

// Contains reports membership.
func (t *Tracker) Contains(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[sessionID]
	return ok
}

// Count returns the current set size.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// broadcast pushes the new count. Caller holds the mutex.
func (t *Tracker) broadcast() {
	if t.notify != nil {
		t.notify(len(t.members))
	}
}
