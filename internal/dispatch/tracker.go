// Package dispatch tracks which sessions currently have a turn in flight.
// The tracker is the single source of truth for "busy": the HTTP boundary
// consults it before admitting a send, delegation tools consult it to
// inherit the correlation id of the turn they run within, and deletion
// refuses to remove a busy session.
package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// Record describes one in-flight turn.
type Record struct {
	CorrelationID string
	StartedAt     time.Time
}

// ErrAlreadyDispatching reports an attempt to start a second concurrent turn
// on a session. The original implementation logged and overwrote; that loses
// the first turn's correlation context, so it is a hard error here.
type ErrAlreadyDispatching struct {
	SessionID string
	Since     time.Time
}

func (e *ErrAlreadyDispatching) Error() string {
	return fmt.Sprintf("session %s is already processing a turn (since %s)", e.SessionID, e.Since.Format(time.RFC3339))
}

// Tracker is a keyed table from session id to its in-flight record. At most
// one record exists per session; a record's presence is the definition of
// busy.
type Tracker struct {
	mu      sync.Mutex
	records map[string]Record

	now func() time.Time // test override
}

func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Start marks a session busy with the given correlation id (empty for turns
// not originated by another agent). Returns ErrAlreadyDispatching if a
// record already exists.
func (t *Tracker) Start(sessionID, correlationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.records[sessionID]; ok {
		return &ErrAlreadyDispatching{SessionID: sessionID, Since: existing.StartedAt}
	}
	t.records[sessionID] = Record{CorrelationID: correlationID, StartedAt: t.now()}
	return nil
}

// End clears a session's record. Ending an idle session is a no-op; the
// watchdog and the terminal-event path can race benignly.
func (t *Tracker) End(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionID)
}

// IsBusy reports whether a turn is in flight for the session.
func (t *Tracker) IsBusy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[sessionID]
	return ok
}

// CorrelationID returns the in-flight turn's correlation id, if any.
func (t *Tracker) CorrelationID(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sessionID]
	if !ok {
		return "", false
	}
	return rec.CorrelationID, true
}

// Busy returns the ids of all sessions with a turn in flight.
func (t *Tracker) Busy() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}
