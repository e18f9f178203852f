package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CellStatus is the lifecycle state of a cell.
type CellStatus string

const (
	CellDeliberating CellStatus = "DELIBERATING"
	CellVoting       CellStatus = "VOTING"
	CellCompleted    CellStatus = "COMPLETED"
)

// CellKind tags the shape of a cell's idea set.
//
//   - Standard: exactly cellSize ideas.
//   - Remainder: fewer than cellSize ideas in a tier that is not the last.
//   - Showdown: the final cell of the deliberation; its batch winner is champion.
type CellKind string

const (
	CellStandard  CellKind = "standard"
	CellRemainder CellKind = "remainder"
	CellShowdown  CellKind = "showdown"
)

// KindFor picks the kind for a new cell holding ideaCount ideas.
func KindFor(ideaCount, cellSize int, final bool) CellKind {
	switch {
	case final:
		return CellShowdown
	case ideaCount >= cellSize:
		return CellStandard
	default:
		return CellRemainder
	}
}

// IsFinal reports whether resolving this cell's batch declares the champion.
func (k CellKind) IsFinal() bool {
	switch k {
	case CellShowdown:
		return true
	case CellStandard, CellRemainder:
		return false
	default:
		panic(fmt.Sprintf("model: unknown cell kind %q", string(k)))
	}
}

// Cell is a fixed-capacity group of participants voting on a fixed idea set.
// Cells sharing (deliberation, tier, batch) vote on the same ideas.
type Cell struct {
	ID             uuid.UUID   `json:"id"`
	DeliberationID uuid.UUID   `json:"deliberation_id"`
	Tier           int         `json:"tier"`
	Batch          int         `json:"batch"`
	Kind           CellKind    `json:"kind"`
	Status         CellStatus  `json:"status"`
	Capacity       int         `json:"capacity"`
	IdeaIDs        []uuid.UUID `json:"idea_ids"`
	SeatsFilled    int         `json:"seats_filled"`
	VoterCount     int         `json:"voter_count"`
	WinnerIdeaID   *uuid.UUID  `json:"winner_idea_id,omitempty"`
	VotingOpensAt  *time.Time  `json:"voting_opens_at,omitempty"`
	VotingDeadline *time.Time  `json:"voting_deadline,omitempty"`
	FinalizesAt    *time.Time  `json:"finalizes_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Open reports whether the cell still accepts participants.
func (c Cell) Open() bool {
	return c.Status != CellCompleted
}

// HasIdea reports whether id belongs to the cell's idea set.
func (c Cell) HasIdea(id uuid.UUID) bool {
	for _, i := range c.IdeaIDs {
		if i == id {
			return true
		}
	}
	return false
}

// ParticipationStatus is the state of one occupied seat.
type ParticipationStatus string

const (
	SeatActive ParticipationStatus = "ACTIVE"
	SeatVoted  ParticipationStatus = "VOTED"
)

// Participation is one occupied seat in a cell.
type Participation struct {
	CellID         uuid.UUID           `json:"cell_id"`
	DeliberationID uuid.UUID           `json:"deliberation_id"`
	Tier           int                 `json:"tier"`
	UserID         string              `json:"user_id"`
	Status         ParticipationStatus `json:"status"`
	JoinedAt       time.Time           `json:"joined_at"`
	VotedAt        *time.Time          `json:"voted_at,omitempty"`
}
