package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// Compactor shrinks a session history into a token budget by escalating
// through three strategies: sliding window, token truncation, recursive
// summarization. Compaction never mutates the stored log; it only shapes
// the view handed to the context builder.
type Compactor struct {
	// WindowSize caps how many trailing events the first pass keeps.
	WindowSize int
	// KeepRecent is the number of newest events summarization must keep
	// verbatim.
	KeepRecent int
	// Summarize merges dropped events into a running summary. Nil falls
	// back to a heuristic extract.
	Summarize SummaryFunc
}

func NewCompactor(windowSize, keepRecent int, summarize SummaryFunc) *Compactor {
	if windowSize <= 0 {
		windowSize = 30
	}
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if keepRecent > windowSize {
		keepRecent = windowSize
	}
	return &Compactor{WindowSize: windowSize, KeepRecent: keepRecent, Summarize: summarize}
}

// Compact returns a view of events fitting maxTokens. Input under budget
// is returned untouched, making Compact idempotent once within budget.
func (c *Compactor) Compact(ctx context.Context, events []SessionEvent, maxTokens int) ([]SessionEvent, error) {
	if maxTokens <= 0 || len(events) == 0 {
		return events, nil
	}
	if estimateEventsTokens(events) <= maxTokens && len(events) <= c.WindowSize {
		return events, nil
	}

	windowed := slidingWindow(events, c.WindowSize)
	if estimateEventsTokens(windowed) <= maxTokens {
		logger.DebugCF("compactor", "window pass sufficed", map[string]interface{}{
			"in": len(events), "out": len(windowed),
		})
		return windowed, nil
	}

	truncated := truncateToBudget(windowed, maxTokens, c.KeepRecent)
	if estimateEventsTokens(truncated) <= maxTokens {
		logger.DebugCF("compactor", "truncation pass sufficed", map[string]interface{}{
			"in": len(windowed), "out": len(truncated),
		})
		return truncated, nil
	}

	return c.summarizePass(ctx, windowed, maxTokens)
}

// slidingWindow keeps the trailing limit events.
func slidingWindow(events []SessionEvent, limit int) []SessionEvent {
	if limit <= 0 || len(events) <= limit {
		return events
	}
	return events[len(events)-limit:]
}

// truncateToBudget drops oldest events beyond keepRecent until the
// estimate fits. The newest keepRecent events survive even over budget;
// the summarization pass handles that case.
func truncateToBudget(events []SessionEvent, maxTokens, keepRecent int) []SessionEvent {
	if len(events) <= keepRecent {
		return events
	}
	out := events
	for len(out) > keepRecent && estimateEventsTokens(out) > maxTokens {
		out = out[1:]
	}
	return out
}

// summarizePass folds every event older than KeepRecent into one
// synthetic system event carrying the summary, keeping the newest
// KeepRecent verbatim.
func (c *Compactor) summarizePass(ctx context.Context, events []SessionEvent, maxTokens int) ([]SessionEvent, error) {
	keep := c.KeepRecent
	if keep > len(events) {
		keep = len(events)
	}
	older := events[:len(events)-keep]
	recent := events[len(events)-keep:]
	if len(older) == 0 {
		return recent, nil
	}

	transcript := buildTranscript(older)
	summary := ""
	if c.Summarize != nil {
		var err error
		summary, err = c.Summarize(ctx, "", transcript)
		if err != nil {
			logger.WarnCF("compactor", "summarizer failed, using fallback", map[string]interface{}{
				"error": err.Error(),
			})
			summary = ""
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(older)
	}

	// Summary inherits the seq of the last folded event so ordering
	// against the verbatim tail stays consistent.
	synthetic := SessionEvent{
		ID:        "evt-summary-" + older[len(older)-1].ID,
		SessionID: older[0].SessionID,
		Seq:       older[len(older)-1].Seq,
		Type:      EventSystem,
		Role:      "system",
		Content:   "[conversation summary] " + summary,
		CreatedAt: older[len(older)-1].CreatedAt,
	}

	out := make([]SessionEvent, 0, len(recent)+1)
	out = append(out, synthetic)
	out = append(out, recent...)
	logger.DebugCF("compactor", "summarization pass applied", map[string]interface{}{
		"folded": len(older), "kept": len(recent), "tokens": estimateEventsTokens(out), "budget": maxTokens,
	})
	return out, nil
}

func buildTranscript(events []SessionEvent) string {
	var b strings.Builder
	for _, ev := range events {
		role := ev.Role
		if role == "" {
			role = string(ev.Type)
		}
		content := ev.Content
		if len(content) > 600 {
			content = content[:600] + "..."
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ev.CreatedAt.Format(time.TimeOnly), role, content)
	}
	return b.String()
}

// fallbackSummary is the no-completer path: first lines of the most
// informative events, newest last.
func fallbackSummary(events []SessionEvent) string {
	lines := []string{}
	for _, ev := range events {
		if ev.Type != EventUserMessage && ev.Type != EventModelMessage && ev.Type != EventValidationGate {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(ev.Content, "\n", 2)[0])
		if line == "" {
			continue
		}
		if len(line) > 140 {
			line = line[:140] + "..."
		}
		lines = append(lines, line)
	}
	if len(lines) > 12 {
		lines = lines[len(lines)-12:]
	}
	if len(lines) == 0 {
		return fmt.Sprintf("%d earlier events elided", len(events))
	}
	return strings.Join(lines, " / ")
}
