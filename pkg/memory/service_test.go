package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// faultyInsertStore fails the first n memory inserts, simulating a
// transient storage outage during a pipeline run.
type faultyInsertStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *faultyInsertStore) InsertMemory(ctx context.Context, m Memory) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("insert memory: disk unavailable")
	}
	f.mu.Unlock()
	return f.Store.InsertMemory(ctx, m)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := DefaultServiceConfig(filepath.Join(t.TempDir(), "svc.db"))
	cfg.WorkerPoll = 50 * time.Millisecond
	cfg.WorkerLease = 5 * time.Second
	svc, err := NewService(cfg, ServiceOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestServiceEndOfSessionProducesMemories(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "alice", "implementer", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "remember that the artifact bucket is s3://builds-prod"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := svc.Sessions.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		items, err := svc.Store().ListMemories(ctx, "alice", "", nil, 10)
		return err == nil && len(items) == 1
	})

	wm, err := svc.Store().GetWatermark(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if wm.LastSeq != 1 {
		t.Fatalf("watermark at %d, want 1", wm.LastSeq)
	}
}

func TestServiceRetriesFailedPipelineJob(t *testing.T) {
	base, err := NewSQLiteStore(filepath.Join(t.TempDir(), "retry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	flaky := &faultyInsertStore{Store: base, failures: 1}

	cfg := DefaultServiceConfig("")
	cfg.WorkerPoll = 25 * time.Millisecond
	cfg.JobRetryBackoff = 10 * time.Millisecond
	cfg.MaxJobAttempts = 5
	svc, err := NewServiceWithStore(cfg, flaky, ServiceOptions{})
	if err != nil {
		t.Fatalf("NewServiceWithStore: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "alice", "", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "remember that transient failures must not lose this"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := svc.Sessions.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	// First run fails on the faulty insert; the backed-off job must be
	// reclaimed and the replay must land the memory.
	waitFor(t, 5*time.Second, func() bool {
		items, err := svc.Store().ListMemories(ctx, "alice", "", nil, 10)
		return err == nil && len(items) == 1
	})
	waitFor(t, 5*time.Second, func() bool {
		wm, err := svc.Store().GetWatermark(ctx, sess.ID)
		return err == nil && wm.LastSeq == 1
	})
}

func TestServiceGivesUpAfterMaxAttempts(t *testing.T) {
	base, err := NewSQLiteStore(filepath.Join(t.TempDir(), "giveup.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	flaky := &faultyInsertStore{Store: base, failures: 1000}

	cfg := DefaultServiceConfig("")
	cfg.WorkerPoll = 25 * time.Millisecond
	cfg.JobRetryBackoff = 5 * time.Millisecond
	cfg.MaxJobAttempts = 2
	svc, err := NewServiceWithStore(cfg, flaky, ServiceOptions{})
	if err != nil {
		t.Fatalf("NewServiceWithStore: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "alice", "", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "remember that permanent failures stop retrying"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := svc.Sessions.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	// The job exhausts its attempts and parks as failed. A claim probe
	// far in the future sees pending jobs and expired leases alike, so
	// nothing claimable there means the job is terminal.
	farFuture := time.Now().Add(time.Hour).UnixMilli()
	waitFor(t, 5*time.Second, func() bool {
		job, ok, claimErr := svc.Store().ClaimNextJob(ctx, farFuture, 1000)
		if claimErr != nil {
			return false
		}
		if ok {
			// Still retrying; hand it straight back to the worker.
			_ = svc.Store().RetryJob(ctx, job.ID, time.Now().UnixMilli(), job.Error)
			return false
		}
		return true
	})
	wm, err := svc.Store().GetWatermark(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if wm.LastSeq != 0 {
		t.Fatalf("watermark advanced despite permanent failure: %d", wm.LastSeq)
	}
	items, err := svc.Store().ListMemories(ctx, "alice", "", nil, 10)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("memories created despite failing inserts: %d", len(items))
	}
}

func TestServiceValidationGateTriggersIncrementalRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "alice", "", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "remember that gate runs must be incremental"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventValidationGate, Content: "unit tests green"}); err != nil {
		t.Fatalf("Append gate: %v", err)
	}

	// Session stays open; the gate alone drives the pipeline.
	waitFor(t, 5*time.Second, func() bool {
		items, err := svc.Store().ListMemories(ctx, "alice", "", nil, 10)
		return err == nil && len(items) >= 1
	})
	waitFor(t, 5*time.Second, func() bool {
		wm, err := svc.Store().GetWatermark(ctx, sess.ID)
		return err == nil && wm.LastSeq == 2
	})
}

func TestServiceRunPipelineNow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "bob", "", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "I prefer tabular test cases"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stats, err := svc.RunPipelineNow(ctx, sess.ID, "bob")
	if err != nil {
		t.Fatalf("RunPipelineNow: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("expected 1 created memory, got %+v", stats)
	}
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	cfg := DefaultServiceConfig(filepath.Join(t.TempDir(), "svc.db"))
	svc, err := NewService(cfg, ServiceOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestServiceRejectsUnknownSimilarityBackend(t *testing.T) {
	cfg := DefaultServiceConfig(filepath.Join(t.TempDir(), "svc.db"))
	cfg.SimilarityBackend = "quantum"
	if _, err := NewService(cfg, ServiceOptions{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestServiceVectorBackendEndToEnd(t *testing.T) {
	cfg := DefaultServiceConfig(filepath.Join(t.TempDir(), "svc.db"))
	cfg.SimilarityBackend = "vector"
	svc, err := NewService(cfg, ServiceOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	sess, err := svc.Sessions.StartSession(ctx, "carol", "", "", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.Sessions.Append(ctx, SessionEvent{SessionID: sess.ID, Type: EventUserMessage, Content: "remember that the vector backend must also consolidate"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	stats, err := svc.RunPipelineNow(ctx, sess.ID, "carol")
	if err != nil {
		t.Fatalf("RunPipelineNow: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("expected 1 created memory, got %+v", stats)
	}
}
