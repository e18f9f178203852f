package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Allocation assigns points from a voter's budget to one idea.
type Allocation struct {
	IdeaID uuid.UUID `json:"idea_id"`
	Points int       `json:"points"`
}

// Vote is one stored allocation row.
type Vote struct {
	CellID    uuid.UUID `json:"cell_id"`
	UserID    string    `json:"user_id"`
	IdeaID    uuid.UUID `json:"idea_id"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateAllocations checks that allocations name distinct ideas, carry
// non-negative points and sum to exactly budget.
func ValidateAllocations(allocs []Allocation, budget int) error {
	if len(allocs) == 0 {
		return fmt.Errorf("%w: no allocations", ErrInvalidAllocationSum)
	}
	seen := make(map[uuid.UUID]bool, len(allocs))
	sum := 0
	for _, a := range allocs {
		if a.IdeaID == uuid.Nil {
			return fmt.Errorf("%w: idea_id is required", ErrInvalidInput)
		}
		if seen[a.IdeaID] {
			return fmt.Errorf("%w: %s", ErrDuplicateIdea, a.IdeaID)
		}
		seen[a.IdeaID] = true
		if a.Points < 0 {
			return fmt.Errorf("%w: negative points for %s", ErrInvalidAllocationSum, a.IdeaID)
		}
		// Checked before adding so huge values cannot wrap the sum.
		if a.Points > budget-sum {
			return fmt.Errorf("%w: exceeds budget %d", ErrInvalidAllocationSum, budget)
		}
		sum += a.Points
	}
	if sum != budget {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidAllocationSum, sum, budget)
	}
	return nil
}
