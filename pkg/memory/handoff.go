package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// TransitionTable maps each agent role to the roles it may hand off to.
// An empty table allows every transition.
type TransitionTable map[string][]string

// DefaultTransitions models the plan/build/review loop: architects hand
// to reviewers, reviewers route to implementers or back to architects,
// implementers return to reviewers.
func DefaultTransitions() TransitionTable {
	return TransitionTable{
		"architect":   {"reviewer"},
		"reviewer":    {"implementer", "architect"},
		"implementer": {"reviewer"},
	}
}

// Allowed reports whether source may hand off to destination.
func (t TransitionTable) Allowed(source, destination string) bool {
	if len(t) == 0 {
		return true
	}
	for _, dst := range t[strings.ToLower(source)] {
		if dst == strings.ToLower(destination) {
			return true
		}
	}
	return false
}

// HandoffService persists structured context transfers between agents
// and enforces the workflow transition table.
type HandoffService struct {
	store       Store
	transitions TransitionTable
}

func NewHandoffService(store Store, transitions TransitionTable) *HandoffService {
	return &HandoffService{store: store, transitions: transitions}
}

// Create validates and persists a handoff packet.
func (h *HandoffService) Create(ctx context.Context, source, destination, workflow string, hctx HandoffContext, summary string) (HandoffPacket, error) {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(destination) == "" {
		return HandoffPacket{}, fmt.Errorf("create handoff: empty source or destination")
	}
	if !h.transitions.Allowed(source, destination) {
		return HandoffPacket{}, fmt.Errorf("handoff %s -> %s: %w", source, destination, ErrInvalidTransition)
	}
	p := HandoffPacket{
		ID:          "hof-" + uuid.NewString(),
		Source:      strings.ToLower(source),
		Destination: strings.ToLower(destination),
		Workflow:    workflow,
		Context:     hctx,
		Summary:     summary,
		CreatedAt:   time.Now(),
	}
	if err := h.store.InsertHandoff(ctx, p); err != nil {
		return HandoffPacket{}, fmt.Errorf("create handoff: %w", err)
	}
	logger.InfoCF("handoff", "handoff created", map[string]interface{}{
		"id": p.ID, "source": p.Source, "destination": p.Destination, "workflow": workflow,
	})
	return p, nil
}

// Receive returns the latest packet addressed to destination and marks
// it consumed. Receiving again returns the same packet with its original
// consumed timestamp; consumption is idempotent.
func (h *HandoffService) Receive(ctx context.Context, destination, workflow string) (HandoffPacket, error) {
	p, err := h.store.LatestHandoff(ctx, strings.ToLower(destination), workflow)
	if err != nil {
		return HandoffPacket{}, err
	}
	consumed, err := h.store.MarkHandoffConsumed(ctx, p.ID)
	if err != nil {
		return HandoffPacket{}, err
	}
	return consumed, nil
}

// List returns recent packets for a workflow, newest first.
func (h *HandoffService) List(ctx context.Context, workflow string, limit int) ([]HandoffPacket, error) {
	return h.store.ListHandoffs(ctx, workflow, limit)
}

// FromScratchpad derives a handoff context from a session's scratchpad,
// so an ending agent can hand off without restating its state.
func (h *HandoffService) FromScratchpad(ctx context.Context, sessions *SessionService, sessionID string, specRef string) (HandoffContext, error) {
	st, err := sessions.State(ctx, sessionID)
	if err != nil {
		return HandoffContext{}, err
	}
	return HandoffContext{
		SpecRef:     specRef,
		GatesPassed: st.Scratchpad.GatesPassed,
		Artifacts:   st.Scratchpad.InProgressFiles,
		Blockers:    st.Scratchpad.Blockers,
		Extra:       st.Scratchpad.Extra,
	}, nil
}
