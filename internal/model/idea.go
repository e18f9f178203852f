package model

import (
	"time"

	"github.com/google/uuid"
)

// IdeaStatus is the position of an idea in the elimination tournament.
type IdeaStatus string

const (
	IdeaSubmitted  IdeaStatus = "SUBMITTED"
	IdeaInVoting   IdeaStatus = "IN_VOTING"
	IdeaAdvancing  IdeaStatus = "ADVANCING"
	IdeaEliminated IdeaStatus = "ELIMINATED"
	IdeaWinner     IdeaStatus = "WINNER"

	// Challenge-round statuses. The engine never assigns these.
	IdeaDefending IdeaStatus = "DEFENDING"
	IdeaBenched   IdeaStatus = "BENCHED"
	IdeaRetired   IdeaStatus = "RETIRED"
)

// Idea is a proposal competing in a deliberation.
// Seq is the submission sequence used for deterministic tie-breaks.
type Idea struct {
	ID             uuid.UUID  `json:"id"`
	DeliberationID uuid.UUID  `json:"deliberation_id"`
	Seq            int64      `json:"seq"`
	AuthorID       string     `json:"author_id"`
	Text           string     `json:"text"`
	Status         IdeaStatus `json:"status"`
	Tier           int        `json:"tier"`
	TotalXP        int        `json:"total_xp"`
	TotalVotes     int        `json:"total_votes"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Terminal reports whether the idea can no longer change status.
func (s IdeaStatus) Terminal() bool {
	return s == IdeaEliminated || s == IdeaWinner
}

// engineStatuses are the statuses the engine moves ideas through.
var engineStatuses = []IdeaStatus{IdeaSubmitted, IdeaInVoting, IdeaAdvancing, IdeaEliminated, IdeaWinner}

// Predecessors returns the statuses from which an idea may move to to.
func Predecessors(to IdeaStatus) []IdeaStatus {
	var out []IdeaStatus
	for _, from := range engineStatuses {
		if ValidTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ValidTransition reports whether from -> to moves forward in the
// elimination direction. A bye moves a pooled idea to ADVANCING at the next
// tier without a cell, so SUBMITTED -> ADVANCING and ADVANCING -> ADVANCING
// are both legal.
func ValidTransition(from, to IdeaStatus) bool {
	switch from {
	case IdeaSubmitted:
		return to == IdeaInVoting || to == IdeaAdvancing || to == IdeaWinner
	case IdeaInVoting:
		return to == IdeaAdvancing || to == IdeaEliminated || to == IdeaWinner
	case IdeaAdvancing:
		return to == IdeaInVoting || to == IdeaAdvancing || to == IdeaWinner
	default:
		return false
	}
}
