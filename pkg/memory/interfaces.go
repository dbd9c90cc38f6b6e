package memory

import "context"

// Store provides durable persistence for all subsystem state.
type Store interface {
	Close() error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	EndSession(ctx context.Context, id string) (Session, error)
	ListIdleSessions(ctx context.Context, idleSinceMS int64, limit int) ([]Session, error)

	// AppendEvent assigns the next per-session sequence inside a
	// transaction and fails with ErrNotFound for unknown/ended sessions
	// and ErrConflictRetryable on a sequence race.
	AppendEvent(ctx context.Context, ev SessionEvent) (SessionEvent, error)
	ListRecentEvents(ctx context.Context, sessionID string, limit int, types []EventType) ([]SessionEvent, error)
	ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]SessionEvent, error)
	MaxEventSeq(ctx context.Context, sessionID string) (int64, error)

	GetState(ctx context.Context, sessionID string) (SessionState, error)
	PutState(ctx context.Context, st SessionState) error

	InsertMemory(ctx context.Context, m Memory) error
	UpdateMemory(ctx context.Context, m Memory) error
	ExpireMemory(ctx context.Context, id string) error
	GetMemory(ctx context.Context, id string) (Memory, error)
	// ListMemories returns active (non-expired) namespace memories,
	// newest first.
	ListMemories(ctx context.Context, namespace string, category Category, tags []string, limit int) ([]Memory, error)
	// SearchMemories runs a full-text match over active namespace
	// memories and returns raw bm25 ranks alongside (lower is better).
	SearchMemories(ctx context.Context, namespace, ftsQuery string, limit int) ([]Memory, []float64, error)
	ListHighImportance(ctx context.Context, namespace string, threshold float64, limit int) ([]Memory, error)
	TouchMemories(ctx context.Context, ids []string) error

	InsertHandoff(ctx context.Context, p HandoffPacket) error
	LatestHandoff(ctx context.Context, destination, workflow string) (HandoffPacket, error)
	// MarkHandoffConsumed sets the consumed timestamp only if unset and
	// returns the timestamp that stuck.
	MarkHandoffConsumed(ctx context.Context, id string) (HandoffPacket, error)
	ListHandoffs(ctx context.Context, workflow string, limit int) ([]HandoffPacket, error)

	GetWatermark(ctx context.Context, sessionID string) (Watermark, error)
	SetWatermark(ctx context.Context, w Watermark) error
	ListWatermarks(ctx context.Context, limit int) ([]Watermark, error)

	EnqueueJob(ctx context.Context, job PipelineJob) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (PipelineJob, bool, error)
	CompleteJob(ctx context.Context, id string) error
	// RetryJob returns a claimed job to pending with a delayed run-after,
	// keeping its attempt count.
	RetryJob(ctx context.Context, id string, runAfterMS int64, errMsg string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error
}

// Completer generates text from a prompt. Injected; used by pipeline
// extraction and by the compactor's recursive summarization.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// KnowledgeFetcher is the narrow interface to an external static
// knowledge / RAG collaborator, consulted only by the context builder.
type KnowledgeFetcher interface {
	Fetch(ctx context.Context, query string) ([]string, error)
}

// Similarity decides near-duplication during consolidation. Index is
// called after every create/update so backends can maintain their own
// structures; Nearest returns the closest active memory and its score
// in [0,1].
type Similarity interface {
	Index(ctx context.Context, m Memory) error
	Nearest(ctx context.Context, namespace, content string) (memoryID string, score float64, ok bool, err error)
}

// SummaryFunc merges an existing summary with a transcript of events
// being dropped. A nil SummaryFunc falls back to a heuristic summary.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)
