package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Phase is the top-level state of a deliberation.
type Phase string

const (
	PhaseSubmission   Phase = "SUBMISSION"
	PhaseVoting       Phase = "VOTING"
	PhaseAccumulating Phase = "ACCUMULATING"
	PhaseCompleted    Phase = "COMPLETED"
)

// Field limits and defaults for deliberations.
const (
	MaxQuestionLen    = 500
	MaxIdeaTextLen    = 1000
	MaxUserIDLen      = 64
	MinCellSize       = 3
	MaxCellSize       = 7
	DefaultCellSize   = 5
	DefaultVoteBudget = 10
)

// Deliberation owns the tier counter and champion of one tournament.
type Deliberation struct {
	ID             uuid.UUID  `json:"id"`
	Question       string     `json:"question"`
	Phase          Phase      `json:"phase"`
	CurrentTier    int        `json:"current_tier"`
	CellSize       int        `json:"cell_size"`
	VoteBudget     int        `json:"vote_budget"`
	ContinuousFlow bool       `json:"continuous_flow"`
	AllowRevote    bool       `json:"allow_revote"`
	ChampionID     *uuid.UUID `json:"champion_id,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AcceptsIdeas reports whether new ideas may be submitted in the current phase.
// Continuous-flow deliberations keep accepting ideas after voting starts until
// submissions are closed.
func (d Deliberation) AcceptsIdeas() bool {
	switch d.Phase {
	case PhaseSubmission:
		return true
	case PhaseVoting:
		return d.ContinuousFlow
	default:
		return false
	}
}

// InVoting reports whether cells may be joined and voted in.
func (d Deliberation) InVoting() bool {
	return d.Phase == PhaseVoting || d.Phase == PhaseAccumulating
}

// SubmissionsClosed reports whether no further tier-1 ideas can arrive.
func (d Deliberation) SubmissionsClosed() bool {
	return !d.AcceptsIdeas()
}

// CreateDeliberationRequest is the request body for POST /v1/deliberations.
type CreateDeliberationRequest struct {
	Question       string `json:"question"`
	CellSize       int    `json:"cell_size,omitempty"`
	VoteBudget     int    `json:"vote_budget,omitempty"`
	ContinuousFlow bool   `json:"continuous_flow"`
	AllowRevote    bool   `json:"allow_revote"`
}

// Normalize fills defaults and validates the request.
func (r *CreateDeliberationRequest) Normalize(defaultBudget int) error {
	r.Question = strings.TrimSpace(r.Question)
	if r.Question == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(r.Question) > MaxQuestionLen {
		return fmt.Errorf("%w: question exceeds %d characters", ErrInvalidInput, MaxQuestionLen)
	}
	if r.CellSize == 0 {
		r.CellSize = DefaultCellSize
	}
	if r.CellSize < MinCellSize || r.CellSize > MaxCellSize {
		return fmt.Errorf("%w: cell_size must be between %d and %d", ErrInvalidInput, MinCellSize, MaxCellSize)
	}
	if r.VoteBudget == 0 {
		r.VoteBudget = defaultBudget
	}
	if r.VoteBudget <= 0 {
		return fmt.Errorf("%w: vote_budget must be positive", ErrInvalidInput)
	}
	return nil
}

// ValidateUserID checks a caller-supplied participant identifier.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(id) > MaxUserIDLen {
		return fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidInput, MaxUserIDLen)
	}
	return nil
}

// ValidateIdeaText checks idea text length after trimming.
func ValidateIdeaText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: idea text is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxIdeaTextLen {
		return "", fmt.Errorf("%w: idea text exceeds %d characters", ErrInvalidInput, MaxIdeaTextLen)
	}
	return text, nil
}
