package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// Transport-level error codes.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// Engine error codes.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeRoundFull            = "ROUND_FULL"
	ErrCodeCellFull             = "CELL_FULL"
	ErrCodeCellNotVoting        = "CELL_NOT_VOTING"
	ErrCodeIdeaNotInCell        = "IDEA_NOT_IN_CELL"
	ErrCodeInvalidAllocationSum = "INVALID_ALLOCATION_SUM"
	ErrCodeDuplicateIdea        = "DUPLICATE_IDEA"
	ErrCodeAlreadyVoted         = "ALREADY_VOTED"
	ErrCodeNotSeated            = "NOT_SEATED"
	ErrCodeAlreadySeated        = "ALREADY_SEATED"
	ErrCodeSubmissionsClosed    = "SUBMISSIONS_CLOSED"
	ErrCodeWrongPhase           = "WRONG_PHASE"
	ErrCodeNotEnoughIdeas       = "NOT_ENOUGH_IDEAS"
	ErrCodeModerationRejected   = "MODERATION_REJECTED"
	ErrCodeNoVotes              = "NO_VOTES"
	ErrCodeNothingToAdvance     = "NOTHING_TO_ADVANCE"
)

// AuthTokenRequest is the request body for POST /auth/token. The session
// service authenticates with the shared service key and names the user.
type AuthTokenRequest struct {
	ServiceKey string `json:"service_key"`
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
}

// AuthTokenResponse carries a signed bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SubmitIdeaRequest is the request body for POST /v1/deliberations/{id}/ideas.
// AuthorID defaults to the caller's user id.
type SubmitIdeaRequest struct {
	Text     string `json:"text"`
	AuthorID string `json:"author_id,omitempty"`
}

// StartVotingRequest is the request body for POST /v1/deliberations/{id}/start.
// Participants is an optional roster seated first-come-first-served.
type StartVotingRequest struct {
	Participants []string `json:"participants,omitempty"`
}

// StartVotingResponse reports the tier-1 cells created by StartVoting.
type StartVotingResponse struct {
	Phase        Phase  `json:"phase"`
	CellsCreated int    `json:"cells_created"`
	Seated       int    `json:"seated"`
	Cells        []Cell `json:"cells"`
}

// JoinResponse is returned by a successful join.
type JoinResponse struct {
	CellID      uuid.UUID  `json:"cell_id"`
	Tier        int        `json:"tier"`
	Batch       int        `json:"batch"`
	Kind        CellKind   `json:"kind"`
	Status      CellStatus `json:"status"`
	Ideas       []Idea     `json:"ideas"`
	SeatsFilled int        `json:"seats_filled"`
	Capacity    int        `json:"capacity"`
	Resumed     bool       `json:"resumed"`
}

// CastVoteRequest is the request body for POST /v1/cells/{cell_id}/votes.
type CastVoteRequest struct {
	Allocations []Allocation `json:"allocations"`
}

// CastVoteResponse reports the cell state after a vote.
type CastVoteResponse struct {
	Accepted      bool       `json:"accepted"`
	CellID        uuid.UUID  `json:"cell_id"`
	VoterCount    int        `json:"voter_count"`
	Capacity      int        `json:"capacity"`
	CellCompleted bool       `json:"cell_completed"`
	FinalizesAt   *time.Time `json:"finalizes_at,omitempty"`
}

// ForceAdvanceResponse is returned by POST /v1/deliberations/{id}/advance.
type ForceAdvanceResponse struct {
	CellsClosed int   `json:"cells_closed"`
	NewTier     int   `json:"new_tier"`
	Phase       Phase `json:"phase"`
}

// CellSummary is the per-cell view included in a status report.
type CellSummary struct {
	ID           uuid.UUID  `json:"id"`
	Tier         int        `json:"tier"`
	Batch        int        `json:"batch"`
	Kind         CellKind   `json:"kind"`
	Status       CellStatus `json:"status"`
	Ideas        int        `json:"ideas"`
	SeatsFilled  int        `json:"seats_filled"`
	VoterCount   int        `json:"voter_count"`
	Capacity     int        `json:"capacity"`
	WinnerIdeaID *uuid.UUID `json:"winner_idea_id,omitempty"`
}

// Status is the response for GET /v1/deliberations/{id}.
type Status struct {
	Deliberation Deliberation       `json:"deliberation"`
	IdeaCounts   map[IdeaStatus]int `json:"idea_counts"`
	Ideas        []Idea             `json:"ideas"`
	Cells        []CellSummary      `json:"cells"`
	Champion     *Idea              `json:"champion,omitempty"`
	Pools        map[int]int        `json:"pools,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// TierResult is the derived outcome of one tier.
type TierResult struct {
	Tier      int               `json:"tier"`
	Cells     int               `json:"cells"`
	Voters    int               `json:"voters"`
	Advancing []uuid.UUID       `json:"advancing"`
	XPTotals  map[uuid.UUID]int `json:"xp_totals"`
	Hash      string            `json:"hash"`
}

// ChampionProof lets a reader verify the champion against the tier record.
type ChampionProof struct {
	IdeaID      uuid.UUID `json:"idea_id"`
	TextHash    string    `json:"text_hash"`
	TotalTiers  int       `json:"total_tiers"`
	TotalVoters int       `json:"total_voters"`
	MerkleRoot  string    `json:"merkle_root"`
}

// Results is the response for GET /v1/deliberations/{id}/results.
type Results struct {
	DeliberationID uuid.UUID      `json:"deliberation_id"`
	Phase          Phase          `json:"phase"`
	Tiers          []TierResult   `json:"tiers"`
	Champion       *Idea          `json:"champion,omitempty"`
	Proof          *ChampionProof `json:"proof,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	TierQueueDepth int    `json:"tier_queue_depth"`
	SSEBroker      string `json:"sse_broker,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}
