package chant

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a deliberation lifecycle event.
type EventType string

const (
	EventIdeaSubmitted     EventType = "idea_submitted"
	EventVotingStarted     EventType = "voting_started"
	EventSeatTaken         EventType = "seat_taken"
	EventVoteCast          EventType = "vote_cast"
	EventCellOpened        EventType = "cell_opened"
	EventCellCompleted     EventType = "cell_completed"
	EventTierAdvanced      EventType = "tier_advanced"
	EventChampionDeclared  EventType = "champion_declared"
	EventSubmissionsClosed EventType = "submissions_closed"
)

// Event is the public representation of an engine event. It is delivered to
// hooks after the transaction that produced it commits. Fields that do not
// apply to Type are zero.
type Event struct {
	Type           EventType
	DeliberationID uuid.UUID
	CellID         *uuid.UUID
	IdeaID         *uuid.UUID
	UserID         string
	Tier           int
	At             time.Time
}
