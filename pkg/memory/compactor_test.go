package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func makeEvents(n int, content string) []SessionEvent {
	events := make([]SessionEvent, n)
	base := time.Now().Add(-time.Hour)
	for i := range events {
		events[i] = SessionEvent{
			ID:        fmt.Sprintf("evt-%d", i+1),
			SessionID: "ses-1",
			Seq:       int64(i + 1),
			Type:      EventUserMessage,
			Role:      "user",
			Content:   fmt.Sprintf("%s %d", content, i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return events
}

func TestCompactUnderBudgetIsIdentity(t *testing.T) {
	c := NewCompactor(30, 10, nil)
	events := makeEvents(5, "short message")

	out, err := c.Compact(context.Background(), events, 100_000)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(out) != len(events) {
		t.Fatalf("under-budget input changed: %d -> %d", len(events), len(out))
	}
	for i := range out {
		if out[i].ID != events[i].ID {
			t.Fatalf("event %d changed", i)
		}
	}
}

func TestCompactSlidingWindow(t *testing.T) {
	c := NewCompactor(30, 10, nil)
	events := makeEvents(35, "a reasonably sized chat message that counts some tokens")

	out, err := c.Compact(context.Background(), events, 100_000)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(out) != 30 {
		t.Fatalf("expected window of 30, got %d", len(out))
	}
	if out[0].Seq != 6 || out[len(out)-1].Seq != 35 {
		t.Fatalf("window kept wrong range: %d..%d", out[0].Seq, out[len(out)-1].Seq)
	}
}

func TestCompactTruncatesToBudget(t *testing.T) {
	c := NewCompactor(30, 5, nil)
	events := makeEvents(20, strings.Repeat("word ", 50))

	perEvent := estimateEventTokens(events[0])
	budget := perEvent * 8
	out, err := c.Compact(context.Background(), events, budget)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if estimateEventsTokens(out) > budget {
		t.Fatalf("output over budget: %d > %d", estimateEventsTokens(out), budget)
	}
	if out[len(out)-1].Seq != 20 {
		t.Fatalf("newest event dropped, last seq %d", out[len(out)-1].Seq)
	}
	if len(out) < 5 {
		t.Fatalf("truncation went below keep-recent floor: %d", len(out))
	}
}

func TestCompactSummarizationKeepsRecentVerbatim(t *testing.T) {
	summarizerCalled := false
	summarize := func(ctx context.Context, existing, transcript string) (string, error) {
		summarizerCalled = true
		if transcript == "" {
			t.Fatal("empty transcript handed to summarizer")
		}
		return "user iterated on the parser design", nil
	}
	c := NewCompactor(30, 10, summarize)
	events := makeEvents(30, strings.Repeat("substantial content ", 40))

	// Budget too small for even keep-recent alone forces summarization.
	perEvent := estimateEventTokens(events[0])
	out, err := c.Compact(context.Background(), events, perEvent*3)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !summarizerCalled {
		t.Fatal("summarizer not invoked")
	}
	if len(out) != 11 {
		t.Fatalf("expected summary + 10 verbatim, got %d", len(out))
	}
	if out[0].Type != EventSystem || !strings.Contains(out[0].Content, "parser design") {
		t.Fatalf("first event should be the summary, got %+v", out[0])
	}
	for i := 1; i < len(out); i++ {
		orig := events[len(events)-10+i-1]
		if out[i].ID != orig.ID || out[i].Content != orig.Content {
			t.Fatalf("recent event %d not verbatim", i)
		}
	}
	if out[0].Seq != events[19].Seq {
		t.Fatalf("summary seq %d should match last folded event %d", out[0].Seq, events[19].Seq)
	}
}

func TestCompactFallbackSummaryWithoutSummarizer(t *testing.T) {
	c := NewCompactor(20, 4, nil)
	events := makeEvents(20, strings.Repeat("detail ", 60))

	perEvent := estimateEventTokens(events[0])
	out, err := c.Compact(context.Background(), events, perEvent*2)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if out[0].Type != EventSystem || out[0].Content == "" {
		t.Fatalf("expected heuristic summary event, got %+v", out[0])
	}
	if len(out) != 5 {
		t.Fatalf("expected summary + 4 verbatim, got %d", len(out))
	}
}

func TestEstimateTokens(t *testing.T) {
	if estimateTokens("") != 0 {
		t.Fatal("empty string should be 0 tokens")
	}
	if got := estimateTokens("hello world"); got != 4 {
		t.Fatalf("estimateTokens(11 chars) = %d, want 4", got)
	}
	if estimateTokens("a") != 1 {
		t.Fatal("minimum estimate is 1 token")
	}
}

func TestDeriveContextBudget(t *testing.T) {
	b := DeriveContextBudget(8000)
	if b.History != 3600 || b.Memories != 2000 || b.Knowledge != 800 {
		t.Fatalf("unexpected split: %+v", b)
	}
	if b.History+b.Memories+b.Knowledge+b.Instructions > b.Total {
		t.Fatalf("sections exceed total: %+v", b)
	}
}
