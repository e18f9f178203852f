package chant

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a deliberation's lifecycle phase.
type Phase string

const (
	PhaseSubmission   Phase = "SUBMISSION"
	PhaseVoting       Phase = "VOTING"
	PhaseAccumulating Phase = "ACCUMULATING"
	PhaseCompleted    Phase = "COMPLETED"
)

// Role is the role requested when minting a token.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleFacilitator Role = "facilitator"
)

// CreateDeliberationRequest is the body of CreateDeliberation. Zero
// CellSize and VoteBudget take the server defaults.
type CreateDeliberationRequest struct {
	Question       string `json:"question"`
	CellSize       int    `json:"cell_size,omitempty"`
	VoteBudget     int    `json:"vote_budget,omitempty"`
	ContinuousFlow bool   `json:"continuous_flow"`
	AllowRevote    bool   `json:"allow_revote"`
}

// Deliberation is one question being decided.
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

// Idea is a submitted answer.
type Idea struct {
	ID             uuid.UUID `json:"id"`
	DeliberationID uuid.UUID `json:"deliberation_id"`
	Seq            int64     `json:"seq"`
	AuthorID       string    `json:"author_id"`
	Text           string    `json:"text"`
	Status         string    `json:"status"`
	Tier           int       `json:"tier"`
	TotalXP        int       `json:"total_xp"`
	TotalVotes     int       `json:"total_votes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cell is a voting group of ideas at one tier.
type Cell struct {
	ID             uuid.UUID   `json:"id"`
	DeliberationID uuid.UUID   `json:"deliberation_id"`
	Tier           int         `json:"tier"`
	Batch          int         `json:"batch"`
	Kind           string      `json:"kind"`
	Status         string      `json:"status"`
	Capacity       int         `json:"capacity"`
	IdeaIDs        []uuid.UUID `json:"idea_ids"`
	SeatsFilled    int         `json:"seats_filled"`
	VoterCount     int         `json:"voter_count"`
	WinnerIdeaID   *uuid.UUID  `json:"winner_idea_id,omitempty"`
	VotingDeadline *time.Time  `json:"voting_deadline,omitempty"`
	FinalizesAt    *time.Time  `json:"finalizes_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// StartVotingResponse reports the tier-1 cells.
type StartVotingResponse struct {
	Phase        Phase  `json:"phase"`
	CellsCreated int    `json:"cells_created"`
	Seated       int    `json:"seated"`
	Cells        []Cell `json:"cells"`
}

// Seat is the cell a participant was placed in by Join.
type Seat struct {
	CellID      uuid.UUID `json:"cell_id"`
	Tier        int       `json:"tier"`
	Batch       int       `json:"batch"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Ideas       []Idea    `json:"ideas"`
	SeatsFilled int       `json:"seats_filled"`
	Capacity    int       `json:"capacity"`
	Resumed     bool      `json:"resumed"`
}

// Allocation gives points to one idea.
type Allocation struct {
	IdeaID uuid.UUID `json:"idea_id"`
	Points int       `json:"points"`
}

// VoteResult reports a cell's state after a vote.
type VoteResult struct {
	Accepted      bool       `json:"accepted"`
	CellID        uuid.UUID  `json:"cell_id"`
	VoterCount    int        `json:"voter_count"`
	Capacity      int        `json:"capacity"`
	CellCompleted bool       `json:"cell_completed"`
	FinalizesAt   *time.Time `json:"finalizes_at,omitempty"`
}

// AdvanceResult reports a forced tier advance.
type AdvanceResult struct {
	CellsClosed int   `json:"cells_closed"`
	NewTier     int   `json:"new_tier"`
	Phase       Phase `json:"phase"`
}

// CellSummary is one cell in a status report.
type CellSummary struct {
	ID           uuid.UUID  `json:"id"`
	Tier         int        `json:"tier"`
	Batch        int        `json:"batch"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Ideas        int        `json:"ideas"`
	SeatsFilled  int        `json:"seats_filled"`
	VoterCount   int        `json:"voter_count"`
	Capacity     int        `json:"capacity"`
	WinnerIdeaID *uuid.UUID `json:"winner_idea_id,omitempty"`
}

// Status is a deliberation's status report.
type Status struct {
	Deliberation Deliberation   `json:"deliberation"`
	IdeaCounts   map[string]int `json:"idea_counts"`
	Ideas        []Idea         `json:"ideas"`
	Cells        []CellSummary  `json:"cells"`
	Champion     *Idea          `json:"champion,omitempty"`
	Pools        map[string]int `json:"pools,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// TierResult is the outcome of one tier.
type TierResult struct {
	Tier      int               `json:"tier"`
	Cells     int               `json:"cells"`
	Voters    int               `json:"voters"`
	Advancing []uuid.UUID       `json:"advancing"`
	XPTotals  map[uuid.UUID]int `json:"xp_totals"`
	Hash      string            `json:"hash"`
}

// ChampionProof summarizes how the champion won.
type ChampionProof struct {
	IdeaID      uuid.UUID `json:"idea_id"`
	TextHash    string    `json:"text_hash"`
	TotalTiers  int       `json:"total_tiers"`
	TotalVoters int       `json:"total_voters"`
	MerkleRoot  string    `json:"merkle_root"`
}

// Results is the per-tier record of a deliberation.
type Results struct {
	DeliberationID uuid.UUID      `json:"deliberation_id"`
	Phase          Phase          `json:"phase"`
	Tiers          []TierResult   `json:"tiers"`
	Champion       *Idea          `json:"champion,omitempty"`
	Proof          *ChampionProof `json:"proof,omitempty"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	TierQueueDepth int    `json:"tier_queue_depth"`
	SSEBroker      string `json:"sse_broker,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}
