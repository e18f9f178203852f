package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// seatTracker remembers the cell each caller joined most recently so
// chant_cast_vote can omit cell_id. Entries expire after the window. It is
// in-memory and per process; a caller that loses it passes cell_id explicitly.
type seatTracker struct {
	mu     sync.Mutex
	seats  map[string]seatEntry
	window time.Duration
}

type seatEntry struct {
	deliberationID uuid.UUID
	cellID         uuid.UUID
	at             time.Time
}

func newSeatTracker(window time.Duration) *seatTracker {
	return &seatTracker{
		seats:  make(map[string]seatEntry),
		window: window,
	}
}

// Record notes that userID holds a seat in cellID.
func (t *seatTracker) Record(userID string, deliberationID, cellID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seats[userID] = seatEntry{deliberationID: deliberationID, cellID: cellID, at: time.Now()}

	if len(t.seats) > 1000 {
		t.purgeStale()
	}
}

// Lookup returns the cell userID joined most recently within the window.
func (t *seatTracker) Lookup(userID string) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.seats[userID]
	if !ok {
		return uuid.Nil, false
	}
	if time.Since(e.at) > t.window {
		delete(t.seats, userID)
		return uuid.Nil, false
	}
	return e.cellID, true
}

// Forget drops userID's entry if it still points at cellID.
func (t *seatTracker) Forget(userID string, cellID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.seats[userID]; ok && e.cellID == cellID {
		delete(t.seats, userID)
	}
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *seatTracker) purgeStale() {
	now := time.Now()
	for k, e := range t.seats {
		if now.Sub(e.at) > t.window {
			delete(t.seats, k)
		}
	}
}
