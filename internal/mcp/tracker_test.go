package mcp

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSeatTracker_RecordAndLookup(t *testing.T) {
	tracker := newSeatTracker(time.Hour)

	_, ok := tracker.Lookup("alice")
	assert.False(t, ok, "nothing recorded yet")

	d, cell := uuid.New(), uuid.New()
	tracker.Record("alice", d, cell)

	got, ok := tracker.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, cell, got)

	_, ok = tracker.Lookup("bob")
	assert.False(t, ok, "entries are per user")
}

func TestSeatTracker_LatestWins(t *testing.T) {
	tracker := newSeatTracker(time.Hour)
	d := uuid.New()
	first, second := uuid.New(), uuid.New()

	tracker.Record("alice", d, first)
	tracker.Record("alice", d, second)

	got, ok := tracker.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, second, got)
}

func TestSeatTracker_Expiry(t *testing.T) {
	tracker := newSeatTracker(time.Millisecond)
	tracker.Record("alice", uuid.New(), uuid.New())
	time.Sleep(5 * time.Millisecond)

	_, ok := tracker.Lookup("alice")
	assert.False(t, ok)
}

func TestSeatTracker_Forget(t *testing.T) {
	tracker := newSeatTracker(time.Hour)
	d, cell := uuid.New(), uuid.New()
	tracker.Record("alice", d, cell)

	tracker.Forget("alice", uuid.New())
	_, ok := tracker.Lookup("alice")
	assert.True(t, ok, "forgetting another cell keeps the entry")

	tracker.Forget("alice", cell)
	_, ok = tracker.Lookup("alice")
	assert.False(t, ok)
}

func TestSeatTracker_PurgesStaleEntries(t *testing.T) {
	tracker := newSeatTracker(time.Millisecond)
	for i := range 1000 {
		tracker.Record(fmt.Sprintf("user-%d", i), uuid.New(), uuid.New())
	}
	time.Sleep(5 * time.Millisecond)

	tracker.Record("fresh", uuid.New(), uuid.New())

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Len(t, tracker.seats, 1, "stale entries are purged once the map grows")
}
