package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHandoffCreateAndReceive(t *testing.T) {
	store := newTestStore(t)
	h := NewHandoffService(store, DefaultTransitions())
	ctx := context.Background()

	created, err := h.Create(ctx, "architect", "reviewer", "wf-1", HandoffContext{
		SpecRef:     "docs/design.md",
		GatesPassed: []string{"lint", "unit"},
		Decisions:   []string{"sqlite over postgres"},
	}, "design ready for review")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ConsumedAt != (time.Time{}) {
		t.Fatal("fresh packet should be unconsumed")
	}

	received, err := h.Receive(ctx, "reviewer", "wf-1")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received.ID != created.ID {
		t.Fatalf("received wrong packet: %s", received.ID)
	}
	if received.ConsumedAt.IsZero() {
		t.Fatal("receive should mark consumed")
	}
	if received.Context.SpecRef != "docs/design.md" || len(received.Context.GatesPassed) != 2 {
		t.Fatalf("context payload lost: %+v", received.Context)
	}

	// Receiving again is idempotent: same packet, same timestamp.
	again, err := h.Receive(ctx, "reviewer", "wf-1")
	if err != nil {
		t.Fatalf("Receive twice: %v", err)
	}
	if again.ID != received.ID || !again.ConsumedAt.Equal(received.ConsumedAt) {
		t.Fatalf("re-receive changed packet: %+v vs %+v", again, received)
	}
}

func TestHandoffRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	h := NewHandoffService(store, DefaultTransitions())

	_, err := h.Create(context.Background(), "architect", "implementer", "wf-1", HandoffContext{}, "skipping review")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	packets, err := h.List(context.Background(), "wf-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(packets) != 0 {
		t.Fatal("rejected handoff should not persist")
	}
}

func TestHandoffEmptyTableAllowsEverything(t *testing.T) {
	store := newTestStore(t)
	h := NewHandoffService(store, nil)

	if _, err := h.Create(context.Background(), "anything", "anywhere", "", HandoffContext{}, ""); err != nil {
		t.Fatalf("Create with open table: %v", err)
	}
}

func TestHandoffReceiveMissingDestination(t *testing.T) {
	store := newTestStore(t)
	h := NewHandoffService(store, DefaultTransitions())

	_, err := h.Receive(context.Background(), "reviewer", "wf-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandoffFromScratchpad(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionService(store, 3, nil)
	h := NewHandoffService(store, nil)
	ctx := context.Background()

	sess, err := sessions.StartSession(ctx, "alice", "implementer", "wf-1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := sessions.UpdateState(ctx, sess.ID, func(p *Scratchpad) {
		p.GatesPassed = []string{"unit"}
		p.InProgressFiles = []string{"pkg/memory/retriever.go"}
		p.Blockers = []string{"flaky integration test"}
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	hctx, err := h.FromScratchpad(ctx, sessions, sess.ID, "docs/spec.md")
	if err != nil {
		t.Fatalf("FromScratchpad: %v", err)
	}
	if hctx.SpecRef != "docs/spec.md" || len(hctx.GatesPassed) != 1 || len(hctx.Artifacts) != 1 || len(hctx.Blockers) != 1 {
		t.Fatalf("scratchpad not mapped: %+v", hctx)
	}
}

func TestTransitionTableAllowed(t *testing.T) {
	table := DefaultTransitions()
	cases := []struct {
		source, destination string
		want                bool
	}{
		{"architect", "reviewer", true},
		{"reviewer", "implementer", true},
		{"reviewer", "architect", true},
		{"implementer", "reviewer", true},
		{"architect", "implementer", false},
		{"implementer", "architect", false},
		{"unknown", "reviewer", false},
	}
	for _, tc := range cases {
		if got := table.Allowed(tc.source, tc.destination); got != tc.want {
			t.Fatalf("Allowed(%s, %s) = %v, want %v", tc.source, tc.destination, got, tc.want)
		}
	}
}
