package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/dotsetgreg/contextd/pkg/bus"
	"github.com/dotsetgreg/contextd/pkg/logger"
)

// ServiceConfig collects everything needed to run the subsystem.
type ServiceConfig struct {
	StorePath string

	IdleTimeout      time.Duration
	SweepSchedule    string
	AppendMaxRetries int

	Scoring   ScoringConfig
	CacheSize int

	CompactWindowSize int
	CompactKeepRecent int

	// SimilarityBackend selects "lexical" (default) or "vector".
	SimilarityBackend   string
	SimilarityThreshold float64
	SupersedeMargin     float64
	PipelineBatchLimit  int
	WorkerPoll          time.Duration
	WorkerLease         time.Duration
	// MaxJobAttempts bounds pipeline retries before a job is marked
	// failed for good; JobRetryBackoff is the per-attempt delay factor.
	MaxJobAttempts  int
	JobRetryBackoff time.Duration

	Builder BuilderConfig
}

func DefaultServiceConfig(storePath string) ServiceConfig {
	return ServiceConfig{
		StorePath:           storePath,
		IdleTimeout:         2 * time.Hour,
		SweepSchedule:       "*/5 * * * *",
		AppendMaxRetries:    3,
		Scoring:             DefaultScoringConfig(),
		CacheSize:           256,
		CompactWindowSize:   30,
		CompactKeepRecent:   10,
		SimilarityBackend:   "lexical",
		SimilarityThreshold: 0.3,
		SupersedeMargin:     0.15,
		PipelineBatchLimit:  256,
		WorkerPoll:          800 * time.Millisecond,
		WorkerLease:         45 * time.Second,
		MaxJobAttempts:      5,
		JobRetryBackoff:     5 * time.Second,
		Builder:             DefaultBuilderConfig(),
	}
}

// Service wires the store, session layer, retriever, compactor, pipeline
// and builder together, and runs the background worker that drains the
// durable pipeline job queue.
type Service struct {
	cfg   ServiceConfig
	store Store

	Sessions  *SessionService
	Retriever *Retriever
	Compactor *Compactor
	Pipeline  *Pipeline
	Builder   *ContextBuilder
	Handoffs  *HandoffService

	triggers *bus.TriggerBus

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ServiceOptions carries the optional external collaborators.
type ServiceOptions struct {
	// Completer powers completion-based extraction and recursive
	// summarization. Nil keeps both on their heuristic fallbacks.
	Completer Completer
	// Knowledge is the optional static-knowledge collaborator for the
	// context builder.
	Knowledge KnowledgeFetcher
	// Transitions overrides the default handoff transition table.
	Transitions TransitionTable
}

func NewService(cfg ServiceConfig, opts ServiceOptions) (*Service, error) {
	store, err := NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return NewServiceWithStore(cfg, store, opts)
}

// NewServiceWithStore builds the service on an existing store; the
// service takes ownership and closes it.
func NewServiceWithStore(cfg ServiceConfig, store Store, opts ServiceOptions) (*Service, error) {
	def := DefaultServiceConfig(cfg.StorePath)
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = def.WorkerPoll
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = def.WorkerLease
	}
	if cfg.CompactWindowSize <= 0 {
		cfg.CompactWindowSize = def.CompactWindowSize
	}
	if cfg.CompactKeepRecent <= 0 {
		cfg.CompactKeepRecent = def.CompactKeepRecent
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = def.MaxJobAttempts
	}
	if cfg.JobRetryBackoff <= 0 {
		cfg.JobRetryBackoff = def.JobRetryBackoff
	}

	retriever, err := NewRetriever(store, cfg.Scoring, cfg.CacheSize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var sim Similarity
	switch cfg.SimilarityBackend {
	case "", "lexical":
		sim = NewLexicalSimilarity(store)
	case "vector":
		sim = NewVectorSimilarity(store)
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown similarity backend %q", cfg.SimilarityBackend)
	}

	var summarize SummaryFunc
	if opts.Completer != nil {
		summarize = completerSummary(opts.Completer)
	}

	transitions := opts.Transitions
	if transitions == nil {
		transitions = DefaultTransitions()
	}

	svc := &Service{
		cfg:      cfg,
		store:    store,
		triggers: bus.NewTriggerBus(),
	}
	svc.ctx, svc.cancel = context.WithCancel(context.Background())

	svc.Sessions = NewSessionService(store, cfg.AppendMaxRetries, svc.enqueueTrigger)
	svc.Retriever = retriever
	svc.Compactor = NewCompactor(cfg.CompactWindowSize, cfg.CompactKeepRecent, summarize)
	svc.Pipeline = NewPipeline(store, NewExtractor(opts.Completer, DefaultTopicSchemas()), sim, PipelineOptions{
		SimilarityThreshold: cfg.SimilarityThreshold,
		SupersedeMargin:     cfg.SupersedeMargin,
		BatchLimit:          cfg.PipelineBatchLimit,
		OnWrite:             retriever.Invalidate,
	})
	svc.Builder = NewContextBuilder(svc.Sessions, retriever, svc.Compactor, opts.Knowledge, cfg.Builder)
	svc.Handoffs = NewHandoffService(store, transitions)

	svc.wg.Add(2)
	go svc.runWorker()
	go svc.runSweeper()

	logger.InfoCF("service", "contextd service started", map[string]interface{}{
		"store":      cfg.StorePath,
		"similarity": cfg.SimilarityBackend,
	})
	return svc, nil
}

// Store exposes the underlying store for read-only admin surfaces.
func (s *Service) Store() Store { return s.store }

// enqueueTrigger persists a pipeline job for the session and nudges the
// worker. Durable first, fast-path second: a dropped nudge only delays
// the run until the next poll tick.
func (s *Service) enqueueTrigger(sessionID, namespace, reason string) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	job := PipelineJob{
		ID:        "job-" + uuid.NewString(),
		SessionID: sessionID,
		Namespace: namespace,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		logger.ErrorCF("service", "enqueue pipeline job failed", map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
			"error":      err.Error(),
		})
		return
	}
	s.triggers.Publish(bus.Trigger{SessionID: sessionID, Namespace: namespace, Reason: reason})
}

// runWorker drains the pipeline job queue: poll ticker for steady state,
// bus nudges for low latency after session end.
func (s *Service) runWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	nudges := make(chan struct{}, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if _, ok := s.triggers.Consume(s.ctx); !ok {
				return
			}
			select {
			case nudges <- struct{}{}:
			default:
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-nudges:
		}
		s.drainJobs()
	}
}

const maxJobsPerTick = 32

func (s *Service) drainJobs() {
	if err := s.store.RequeueExpiredJobs(s.ctx, time.Now().UnixMilli()); err != nil {
		logger.WarnCF("service", "requeue expired jobs failed", map[string]interface{}{"error": err.Error()})
	}
	for i := 0; i < maxJobsPerTick; i++ {
		if s.ctx.Err() != nil {
			return
		}
		job, ok, err := s.store.ClaimNextJob(s.ctx, time.Now().UnixMilli(), s.cfg.WorkerLease.Milliseconds())
		if err != nil {
			logger.ErrorCF("service", "claim job failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if !ok {
			return
		}
		s.handleJob(job)
	}
}

func (s *Service) handleJob(job PipelineJob) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WorkerLease)
	defer cancel()

	stats, err := s.Pipeline.Run(ctx, job.SessionID, job.Namespace)
	if err != nil {
		// The watermark did not advance, so a retry replays the same
		// events. Back the job off instead of dropping it: for an
		// ended session no later trigger will ever arrive.
		if job.Attempts < s.cfg.MaxJobAttempts {
			backoff := time.Duration(job.Attempts) * s.cfg.JobRetryBackoff
			runAfter := time.Now().Add(backoff).UnixMilli()
			logger.WarnCF("service", "pipeline run failed, retrying", map[string]interface{}{
				"job_id":     job.ID,
				"session_id": job.SessionID,
				"attempts":   job.Attempts,
				"backoff_ms": backoff.Milliseconds(),
				"error":      err.Error(),
			})
			if rerr := s.store.RetryJob(ctx, job.ID, runAfter, err.Error()); rerr != nil {
				logger.ErrorCF("service", "retry job failed", map[string]interface{}{"job_id": job.ID, "error": rerr.Error()})
			}
			return
		}
		logger.ErrorCF("service", "pipeline run failed, giving up", map[string]interface{}{
			"job_id":     job.ID,
			"session_id": job.SessionID,
			"attempts":   job.Attempts,
			"error":      err.Error(),
		})
		if ferr := s.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			logger.ErrorCF("service", "fail job failed", map[string]interface{}{"job_id": job.ID, "error": ferr.Error()})
		}
		return
	}
	if err := s.store.CompleteJob(ctx, job.ID); err != nil {
		logger.ErrorCF("service", "complete job failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		return
	}
	logger.DebugCF("service", "job completed", map[string]interface{}{
		"job_id":  job.ID,
		"created": stats.Created,
		"updated": stats.Updated,
	})
}

// runSweeper ends idle sessions on the configured cron schedule.
func (s *Service) runSweeper() {
	defer s.wg.Done()
	gron := gronx.New()
	if !gron.IsValid(s.cfg.SweepSchedule) {
		logger.WarnCF("service", "invalid sweep schedule, sweeper disabled", map[string]interface{}{
			"schedule": s.cfg.SweepSchedule,
		})
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		due, err := gron.IsDue(s.cfg.SweepSchedule, time.Now())
		if err != nil || !due {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		ended, err := s.Sessions.SweepIdle(ctx, s.cfg.IdleTimeout, 100)
		cancel()
		if err != nil {
			logger.WarnCF("service", "idle sweep failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if ended > 0 {
			logger.InfoCF("service", "idle sweep ended sessions", map[string]interface{}{"count": ended})
		}
	}
}

// RunPipelineNow runs the pipeline synchronously for one session,
// bypassing the queue. Used by the CLI and tests.
func (s *Service) RunPipelineNow(ctx context.Context, sessionID, namespace string) (RunStats, error) {
	return s.Pipeline.Run(ctx, sessionID, namespace)
}

// Close stops the workers and closes the store. Safe to call twice.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.triggers.Close()
		s.wg.Wait()
		err = s.store.Close()
		logger.InfoCF("service", "contextd service stopped", nil)
	})
	return err
}

// completerSummary adapts a Completer into the compactor's SummaryFunc.
func completerSummary(c Completer) SummaryFunc {
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		prompt := "Summarize the following conversation excerpt in at most 8 sentences, keeping decisions, open tasks and stated constraints.\n\n"
		if existingSummary != "" {
			prompt += "Existing summary:\n" + existingSummary + "\n\n"
		}
		prompt += "Excerpt:\n" + transcript
		return c.Complete(ctx, prompt)
	}
}
