package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// TriggerFunc is notified when a session reaches a point where the
// generation pipeline should run (session end, validation gate).
type TriggerFunc func(sessionID, namespace, reason string)

// SessionService owns session lifecycle, the append-only event log and
// the mutable scratchpad.
type SessionService struct {
	store            Store
	appendMaxRetries int
	trigger          TriggerFunc
}

func NewSessionService(store Store, appendMaxRetries int, trigger TriggerFunc) *SessionService {
	if appendMaxRetries <= 0 {
		appendMaxRetries = 3
	}
	return &SessionService{store: store, appendMaxRetries: appendMaxRetries, trigger: trigger}
}

// StartSession creates a new active session for owner.
func (s *SessionService) StartSession(ctx context.Context, owner, agentMode, workflow string, metadata map[string]string) (Session, error) {
	sess := Session{
		ID:        "ses-" + uuid.NewString(),
		Owner:     owner,
		AgentMode: agentMode,
		Workflow:  workflow,
		StartedAt: time.Now(),
		Metadata:  metadata,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	logger.InfoCF("session", "session started", map[string]interface{}{
		"session_id": sess.ID,
		"owner":      owner,
		"agent_mode": agentMode,
	})
	return sess, nil
}

func (s *SessionService) GetSession(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// EndSession closes the session log and fires the pipeline trigger.
// Ending twice is a no-op.
func (s *SessionService) EndSession(ctx context.Context, id string) (Session, error) {
	before, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	alreadyEnded := before.Ended()

	sess, err := s.store.EndSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !alreadyEnded {
		logger.InfoCF("session", "session ended", map[string]interface{}{"session_id": id})
		if s.trigger != nil {
			s.trigger(sess.ID, sess.Owner, "session_ended")
		}
	}
	return sess, nil
}

// Append records an event at the tail of the session log. Sequence races
// with concurrent appenders are retried a bounded number of times; a
// persistent conflict surfaces as ErrUpstreamUnavailable.
func (s *SessionService) Append(ctx context.Context, ev SessionEvent) (SessionEvent, error) {
	var lastErr error
	for attempt := 0; attempt < s.appendMaxRetries; attempt++ {
		out, err := s.store.AppendEvent(ctx, ev)
		if err == nil {
			if out.Type == EventValidationGate && s.trigger != nil {
				sess, serr := s.store.GetSession(ctx, out.SessionID)
				if serr == nil {
					s.trigger(sess.ID, sess.Owner, "validation_gate")
				}
			}
			return out, nil
		}
		if !errors.Is(err, ErrConflictRetryable) {
			return SessionEvent{}, err
		}
		lastErr = err
		logger.DebugCF("session", "append conflict, retrying", map[string]interface{}{
			"session_id": ev.SessionID,
			"attempt":    attempt + 1,
		})
	}
	return SessionEvent{}, fmt.Errorf("append after %d attempts: %v: %w", s.appendMaxRetries, lastErr, ErrUpstreamUnavailable)
}

// RecentEvents returns the newest events in chronological (oldest-first)
// order, bounded by count and, when maxTokens > 0, by estimated token
// budget. Type filtering happens in the store query.
func (s *SessionService) RecentEvents(ctx context.Context, sessionID string, maxCount, maxTokens int, types []EventType) ([]SessionEvent, error) {
	if maxCount <= 0 {
		maxCount = 50
	}
	events, err := s.store.ListRecentEvents(ctx, sessionID, maxCount, types)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		return events, nil
	}
	// Walk backwards so the newest events survive the budget.
	total := 0
	cut := 0
	for i := len(events) - 1; i >= 0; i-- {
		t := estimateEventTokens(events[i])
		if total+t > maxTokens {
			cut = i + 1
			break
		}
		total += t
	}
	// The newest event is kept even when it alone busts the budget;
	// downstream compaction handles oversized content.
	if cut == len(events) && len(events) > 0 {
		cut = len(events) - 1
	}
	return events[cut:], nil
}

// State returns the session scratchpad; a session with no state yet gets
// an empty scratchpad.
func (s *SessionService) State(ctx context.Context, sessionID string) (SessionState, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return SessionState{}, err
	}
	return s.store.GetState(ctx, sessionID)
}

// UpdateState applies mutate to the current scratchpad and persists the
// result. The whole read-modify-write happens under the store's single
// writer, so concurrent updates serialize.
func (s *SessionService) UpdateState(ctx context.Context, sessionID string, mutate func(*Scratchpad)) (SessionState, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	if sess.Ended() {
		return SessionState{}, fmt.Errorf("update state: session %s ended: %w", sessionID, ErrNotFound)
	}
	st, err := s.store.GetState(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	mutate(&st.Scratchpad)
	st.SessionID = sessionID
	st.UpdatedAt = time.Now()
	if err := s.store.PutState(ctx, st); err != nil {
		return SessionState{}, err
	}
	return st, nil
}

// ReplaceState overwrites the scratchpad wholesale.
func (s *SessionService) ReplaceState(ctx context.Context, sessionID string, pad Scratchpad) (SessionState, error) {
	return s.UpdateState(ctx, sessionID, func(p *Scratchpad) { *p = pad })
}

// SweepIdle ends sessions with no activity since the idle cutoff and
// fires the pipeline trigger for each. Returns how many were ended.
func (s *SessionService) SweepIdle(ctx context.Context, idleTimeout time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-idleTimeout).UnixMilli()
	idle, err := s.store.ListIdleSessions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, sess := range idle {
		if _, err := s.store.EndSession(ctx, sess.ID); err != nil {
			logger.WarnCF("session", "idle sweep failed to end session", map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
			continue
		}
		ended++
		logger.InfoCF("session", "session ended by idle sweep", map[string]interface{}{
			"session_id": sess.ID,
			"idle_min":   int(idleTimeout.Minutes()),
		})
		if s.trigger != nil {
			s.trigger(sess.ID, sess.Owner, "idle_sweep")
		}
	}
	return ended, nil
}
