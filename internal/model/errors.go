package model

import "errors"

// Error is an engine error with a stable machine-readable code.
// Compare with errors.Is against the sentinels below; wrap with %w to add detail.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

// Capacity errors: expected, retryable, never a sign of corruption.
var (
	ErrRoundFull     = &Error{Code: ErrCodeRoundFull, Message: "round full: no open seat", Retryable: true}
	ErrCellFull      = &Error{Code: ErrCodeCellFull, Message: "cell is full", Retryable: true}
	ErrCellNotVoting = &Error{Code: ErrCodeCellNotVoting, Message: "cell is not accepting votes", Retryable: true}
)

// Validation errors: client mistakes, rejected with no partial effect.
var (
	ErrInvalidInput         = &Error{Code: ErrCodeInvalidInput, Message: "invalid input"}
	ErrIdeaNotInCell        = &Error{Code: ErrCodeIdeaNotInCell, Message: "idea is not in this cell"}
	ErrInvalidAllocationSum = &Error{Code: ErrCodeInvalidAllocationSum, Message: "allocations must sum to the vote budget"}
	ErrDuplicateIdea        = &Error{Code: ErrCodeDuplicateIdea, Message: "idea allocated more than once"}
	ErrAlreadyVoted         = &Error{Code: ErrCodeAlreadyVoted, Message: "already voted in this cell"}
	ErrNotSeated            = &Error{Code: ErrCodeNotSeated, Message: "user holds no seat in this cell"}
	ErrAlreadySeated        = &Error{Code: ErrCodeAlreadySeated, Message: "user already holds a seat at this tier"}
	ErrSubmissionsClosed    = &Error{Code: ErrCodeSubmissionsClosed, Message: "submissions are closed"}
	ErrWrongPhase           = &Error{Code: ErrCodeWrongPhase, Message: "operation not allowed in the current phase"}
	ErrNotEnoughIdeas       = &Error{Code: ErrCodeNotEnoughIdeas, Message: "at least two ideas are required to start voting"}
	ErrModerationRejected   = &Error{Code: ErrCodeModerationRejected, Message: "text rejected by moderation"}
)

// Facilitator errors: surfaced when a forced action cannot legally proceed.
var (
	ErrNoVotes          = &Error{Code: ErrCodeNoVotes, Message: "no votes have been cast at this tier"}
	ErrNothingToAdvance = &Error{Code: ErrCodeNothingToAdvance, Message: "no open cells to advance"}
)

// ErrNotFound is returned when a deliberation, idea or cell does not exist.
var ErrNotFound = &Error{Code: ErrCodeNotFound, Message: "not found"}

// ErrorCode returns the engine error code carried by err, or "" for other errors.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err is a capacity error the caller may retry.
func Retryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
