package memory

import "errors"

var (
	// ErrNotFound covers absent sessions, memories and handoffs, and
	// appends against ended (read-only) sessions.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition rejects handoffs outside the workflow's
	// transition table.
	ErrInvalidTransition = errors.New("invalid handoff transition")

	// ErrConflictRetryable marks a detected write race (sequence or
	// consolidation collision) that is safe to retry.
	ErrConflictRetryable = errors.New("retryable write conflict")

	// ErrTimeout marks a retrieval or summarization that exceeded its
	// bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrUpstreamUnavailable marks an unreachable store or completion
	// collaborator, including retry budgets that ran out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
