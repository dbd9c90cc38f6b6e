package memory

import "time"

// EventType classifies entries in the append-only session log.
type EventType string

const (
	EventUserMessage    EventType = "user_message"
	EventModelMessage   EventType = "model_message"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventSystem         EventType = "system"
	EventValidationGate EventType = "validation_gate"
)

// Session is one bounded interactive exchange. A session is read-only
// once EndedAt is set.
type Session struct {
	ID        string
	Owner     string
	AgentMode string
	Workflow  string
	StartedAt time.Time
	EndedAt   time.Time
	Metadata  map[string]string
}

func (s Session) Ended() bool { return !s.EndedAt.IsZero() }

// SessionEvent is an immutable ordered fact in a session's log.
// (SessionID, Seq) is unique; events are never updated or deleted.
type SessionEvent struct {
	ID        string
	SessionID string
	Seq       int64
	Type      EventType
	Role      string
	Content   string
	Parts     map[string]string
	CreatedAt time.Time
}

// Scratchpad is the typed mutable working state of a session. Known
// fields are first-class; anything else rides in Extra.
type Scratchpad struct {
	CurrentTask     string            `json:"current_task,omitempty"`
	InProgressFiles []string          `json:"in_progress_files,omitempty"`
	GatesPassed     []string          `json:"gates_passed,omitempty"`
	Blockers        []string          `json:"blockers,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// SessionState is the single mutable row attached to a session.
type SessionState struct {
	SessionID  string
	Scratchpad Scratchpad
	UpdatedAt  time.Time
}

// Category classifies long-term memories.
type Category string

const (
	CategoryFacts       Category = "facts"
	CategoryPreferences Category = "preferences"
	CategoryRules       Category = "rules"
	CategorySkills      Category = "skills"
	CategoryContext     Category = "context"
)

// Source records how a memory came to exist.
type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceImplicit   Source = "implicit"
	SourceBootstrap  Source = "bootstrap"
	SourceToolOutput Source = "tool_output"
)

// Memory is a durable cross-session record. Memories are never hard
// deleted; ExpiredAt marks retirement while preserving the audit trail.
type Memory struct {
	ID         string
	Namespace  string
	Content    string
	Category   Category
	Importance float64
	Tags       []string
	Metadata   map[string]string
	CreatedAt  time.Time

	// Provenance.
	Source     Source
	Confidence float64
	Lineage    []string
	LastUsedAt time.Time
	UseCount   int
	ExpiresAt  time.Time
	ExpiredAt  time.Time
}

// Expired reports whether the memory is retired or past its expiry.
func (m Memory) Expired(now time.Time) bool {
	if !m.ExpiredAt.IsZero() {
		return true
	}
	return !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now)
}

// InLineage reports whether sessionID already contributed to this memory.
func (m Memory) InLineage(sessionID string) bool {
	for _, id := range m.Lineage {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Query selects memories for retrieval. An empty Text skips relevance
// scoring entirely.
type Query struct {
	Namespace    string
	Text         string
	Category     Category
	Tags         []string
	Limit        int
	MinRelevance float64
}

// ScoredMemory pairs a memory with its composite retrieval score and the
// individual score components.
type ScoredMemory struct {
	Memory     Memory
	Relevance  float64
	Recency    float64
	Importance float64
	Score      float64
}

// Candidate is a memory candidate produced by extraction, before
// consolidation decides its fate.
type Candidate struct {
	Content       string
	Category      Category
	Importance    float64
	Tags          []string
	Confidence    float64
	Source        Source
	SourceEventID string
}

// ConsolidationAction is the outcome of matching a candidate against
// existing namespace memories.
type ConsolidationAction string

const (
	ActionCreate    ConsolidationAction = "create"
	ActionUpdate    ConsolidationAction = "update"
	ActionSkip      ConsolidationAction = "skip"
	ActionSupersede ConsolidationAction = "supersede"
)

// HandoffContext carries the structured payload of an agent transition.
type HandoffContext struct {
	SpecRef     string            `json:"spec_ref,omitempty"`
	GatesPassed []string          `json:"gates_passed,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Decisions   []string          `json:"decisions,omitempty"`
	Blockers    []string          `json:"blockers,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// HandoffPacket is a persisted transfer between cooperating agents.
// ConsumedAt is set exactly once, on first read by the destination.
type HandoffPacket struct {
	ID          string
	Source      string
	Destination string
	Workflow    string
	Context     HandoffContext
	Summary     string
	CreatedAt   time.Time
	ConsumedAt  time.Time
}

// Watermark is the per-session resume point of the generation pipeline:
// events with Seq <= LastSeq have been fully processed.
type Watermark struct {
	SessionID string
	LastSeq   int64
	UpdatedAt time.Time
}

// Pipeline job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// PipelineJob is a durable background pipeline run request.
type PipelineJob struct {
	ID            string
	SessionID     string
	Namespace     string
	Status        string
	Attempts      int
	Error         string
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}

// Turn describes one assembly request from the agent runtime.
type Turn struct {
	SessionID    string
	Namespace    string
	Query        string
	Instructions string
	ToolSpecs    []string
}

// TurnContext is the assembled per-turn context handed back to the
// caller.
type TurnContext struct {
	Instructions     string
	ToolSpecs        []string
	CompactedHistory []SessionEvent
	Memories         []ScoredMemory
	Scratchpad       Scratchpad
	Knowledge        []string
}

// RunStats summarizes one pipeline run.
type RunStats struct {
	EventsIngested int
	Candidates     int
	Created        int
	Updated        int
	Skipped        int
	Superseded     int
}
