package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an engine event delivered to hooks and SSE subscribers.
type EventType string

const (
	EventIdeaSubmitted   EventType = "idea_submitted"
	EventVotingStarted   EventType = "voting_started"
	EventSeatTaken       EventType = "seat_taken"
	EventVoteCast        EventType = "vote_cast"
	EventCellOpened      EventType = "cell_opened"
	EventCellCompleted   EventType = "cell_completed"
	EventTierAdvanced    EventType = "tier_advanced"
	EventChampion        EventType = "champion_declared"
	EventSubmissionsShut EventType = "submissions_closed"
)

// Event is emitted after the transaction that caused it commits.
// Fields not relevant to a type are zero.
type Event struct {
	Type           EventType  `json:"type"`
	DeliberationID uuid.UUID  `json:"deliberation_id"`
	CellID         *uuid.UUID `json:"cell_id,omitempty"`
	IdeaID         *uuid.UUID `json:"idea_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Tier           int        `json:"tier,omitempty"`
	At             time.Time  `json:"at"`
}
