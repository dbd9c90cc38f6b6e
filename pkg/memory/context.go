package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// BuilderConfig bounds one context assembly.
type BuilderConfig struct {
	MaxContextTokens int
	// TopK memories come from the scored query; TopM high-importance
	// memories are always included regardless of relevance.
	TopK                int
	TopM                int
	HighImportanceFloor float64
	RetrievalTimeout    time.Duration
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MaxContextTokens:    8192,
		TopK:                8,
		TopM:                4,
		HighImportanceFloor: 0.8,
		RetrievalTimeout:    1500 * time.Millisecond,
	}
}

// ContextBuilder assembles the per-turn context: compacted history,
// scored memories, scratchpad, optional external knowledge. Session
// history is load-bearing; memory and knowledge retrieval degrade to
// empty sections on failure or timeout.
type ContextBuilder struct {
	sessions  *SessionService
	retriever *Retriever
	compactor *Compactor
	knowledge KnowledgeFetcher
	cfg       BuilderConfig
}

func NewContextBuilder(sessions *SessionService, retriever *Retriever, compactor *Compactor, knowledge KnowledgeFetcher, cfg BuilderConfig) *ContextBuilder {
	if cfg.MaxContextTokens <= 0 {
		cfg = DefaultBuilderConfig()
	}
	return &ContextBuilder{
		sessions:  sessions,
		retriever: retriever,
		compactor: compactor,
		knowledge: knowledge,
		cfg:       cfg,
	}
}

// Build assembles the context for one turn. Fails only when the session
// itself cannot be read.
func (b *ContextBuilder) Build(ctx context.Context, turn Turn) (TurnContext, error) {
	if turn.SessionID == "" {
		return TurnContext{}, fmt.Errorf("build context: empty session_id")
	}
	budget := DeriveContextBudget(b.cfg.MaxContextTokens)

	type historyResult struct {
		events []SessionEvent
		state  SessionState
		err    error
	}
	type memoryResult struct {
		memories []ScoredMemory
		err      error
	}
	type knowledgeResult struct {
		snippets []string
		err      error
	}

	historyCh := make(chan historyResult, 1)
	memoryCh := make(chan memoryResult, 1)
	knowledgeCh := make(chan knowledgeResult, 1)

	go func() {
		events, err := b.sessions.RecentEvents(ctx, turn.SessionID, 200, 0, nil)
		if err != nil {
			historyCh <- historyResult{err: err}
			return
		}
		state, err := b.sessions.State(ctx, turn.SessionID)
		historyCh <- historyResult{events: events, state: state, err: err}
	}()

	go func() {
		rctx, cancel := context.WithTimeout(ctx, b.cfg.RetrievalTimeout)
		defer cancel()
		memories, err := b.fetchMemories(rctx, turn)
		memoryCh <- memoryResult{memories: memories, err: err}
	}()

	go func() {
		if b.knowledge == nil || turn.Query == "" {
			knowledgeCh <- knowledgeResult{}
			return
		}
		rctx, cancel := context.WithTimeout(ctx, b.cfg.RetrievalTimeout)
		defer cancel()
		snippets, err := b.knowledge.Fetch(rctx, turn.Query)
		knowledgeCh <- knowledgeResult{snippets: snippets, err: err}
	}()

	hist := <-historyCh
	if hist.err != nil {
		return TurnContext{}, fmt.Errorf("build context history: %w", hist.err)
	}

	compacted, err := b.compactor.Compact(ctx, hist.events, budget.History)
	if err != nil {
		// Compaction troubles degrade to the raw window, not a failure.
		logger.WarnCF("builder", "compaction failed, using sliding window", map[string]interface{}{
			"session_id": turn.SessionID,
			"error":      err.Error(),
		})
		compacted = slidingWindow(hist.events, b.compactor.WindowSize)
	}

	out := TurnContext{
		Instructions:     turn.Instructions,
		ToolSpecs:        turn.ToolSpecs,
		CompactedHistory: compacted,
		Scratchpad:       hist.state.Scratchpad,
	}

	mem := <-memoryCh
	if mem.err != nil {
		logger.WarnCF("builder", "memory retrieval degraded", map[string]interface{}{
			"session_id": turn.SessionID,
			"error":      mem.err.Error(),
		})
	} else {
		out.Memories = fitMemories(mem.memories, budget.Memories)
	}

	know := <-knowledgeCh
	if know.err != nil {
		logger.WarnCF("builder", "knowledge fetch degraded", map[string]interface{}{
			"error": know.err.Error(),
		})
	} else {
		out.Knowledge = fitKnowledge(know.snippets, budget.Knowledge)
	}

	return out, nil
}

// fetchMemories combines the scored query results with the
// always-include high-importance set, deduplicated by id keeping the
// higher score.
func (b *ContextBuilder) fetchMemories(ctx context.Context, turn Turn) ([]ScoredMemory, error) {
	scored, err := b.retriever.Retrieve(ctx, Query{
		Namespace: turn.Namespace,
		Text:      turn.Query,
		Limit:     b.cfg.TopK,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("memory retrieval: %w", ErrTimeout)
		}
		return nil, err
	}

	pinned, err := b.retriever.RetrieveHighImportance(ctx, turn.Namespace, b.cfg.HighImportanceFloor, b.cfg.TopM)
	if err != nil {
		logger.WarnCF("builder", "high-importance fetch failed", map[string]interface{}{"error": err.Error()})
		return scored, nil
	}

	byID := map[string]int{}
	for i, sm := range scored {
		byID[sm.Memory.ID] = i
	}
	for _, m := range pinned {
		sm := ScoredMemory{Memory: m, Importance: clamp01(m.Importance), Score: clamp01(m.Importance)}
		if idx, ok := byID[m.ID]; ok {
			if sm.Score > scored[idx].Score {
				scored[idx] = sm
			}
			continue
		}
		scored = append(scored, sm)
	}
	sortScored(scored)
	return scored, nil
}

// fitMemories drops lowest-ranked memories until the section fits its
// token share.
func fitMemories(scored []ScoredMemory, maxTokens int) []ScoredMemory {
	if maxTokens <= 0 {
		return scored
	}
	total := 0
	for i, sm := range scored {
		t := estimateTokens(sm.Memory.Content) + 6
		if total+t > maxTokens {
			return scored[:i]
		}
		total += t
	}
	return scored
}

func fitKnowledge(snippets []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return snippets
	}
	total := 0
	for i, s := range snippets {
		t := estimateTokens(s)
		if total+t > maxTokens {
			return snippets[:i]
		}
		total += t
	}
	return snippets
}
