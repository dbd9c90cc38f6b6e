package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// Pipeline turns raw session events into consolidated long-term
// memories. Runs are incremental: each run processes events past the
// session watermark, and the watermark advances only after every
// candidate from the batch is persisted. A failed run leaves the
// watermark put, so the next run re-reads the same events; consolidation
// makes the replay converge instead of duplicating.
type Pipeline struct {
	store      Store
	extractor  *Extractor
	similarity Similarity

	// similarityThreshold is the near-duplicate cutoff; supersedeMargin
	// is the extra confidence a contradicting candidate needs to retire
	// the existing memory.
	similarityThreshold float64
	supersedeMargin     float64
	batchLimit          int

	// onWrite is notified after any memory mutation so retrieval caches
	// can drop stale results.
	onWrite func(namespace string)

	mu        sync.Mutex
	nsRunning map[string]*sync.Mutex
}

type PipelineOptions struct {
	SimilarityThreshold float64
	SupersedeMargin     float64
	BatchLimit          int
	OnWrite             func(namespace string)
}

func NewPipeline(store Store, extractor *Extractor, similarity Similarity, opts PipelineOptions) *Pipeline {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.3
	}
	if opts.SupersedeMargin <= 0 {
		opts.SupersedeMargin = 0.15
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 256
	}
	return &Pipeline{
		store:               store,
		extractor:           extractor,
		similarity:          similarity,
		similarityThreshold: opts.SimilarityThreshold,
		supersedeMargin:     opts.SupersedeMargin,
		batchLimit:          opts.BatchLimit,
		onWrite:             opts.OnWrite,
		nsRunning:           map[string]*sync.Mutex{},
	}
}

func (p *Pipeline) nsLock(namespace string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.nsRunning[namespace]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.nsRunning[namespace] = l
	return l
}

// Run processes unprocessed events for one session into the namespace's
// memories, draining the log batch by batch until nothing past the
// watermark remains. Concurrent runs against the same namespace
// serialize.
func (p *Pipeline) Run(ctx context.Context, sessionID, namespace string) (RunStats, error) {
	lock := p.nsLock(namespace)
	lock.Lock()
	defer lock.Unlock()

	var stats RunStats

	wm, err := p.store.GetWatermark(ctx, sessionID)
	if err != nil {
		return stats, fmt.Errorf("pipeline watermark: %w", err)
	}
	for {
		events, err := p.store.ListEventsAfter(ctx, sessionID, wm.LastSeq, p.batchLimit)
		if err != nil {
			return stats, fmt.Errorf("pipeline ingest: %w", err)
		}
		if len(events) == 0 {
			break
		}
		stats.EventsIngested += len(events)

		candidates := p.extractor.Extract(ctx, events)
		stats.Candidates += len(candidates)

		for _, cand := range candidates {
			action, err := p.consolidate(ctx, sessionID, namespace, cand)
			if err != nil {
				// Watermark stays put; the whole batch replays next run.
				return stats, fmt.Errorf("pipeline consolidate %q: %w", snippet(cand.Content), err)
			}
			switch action {
			case ActionCreate:
				stats.Created++
			case ActionUpdate:
				stats.Updated++
			case ActionSkip:
				stats.Skipped++
			case ActionSupersede:
				stats.Superseded++
			}
		}

		wm.LastSeq = events[len(events)-1].Seq
		if err := p.store.SetWatermark(ctx, wm); err != nil {
			return stats, fmt.Errorf("pipeline advance watermark: %w", err)
		}
		if len(events) < p.batchLimit {
			break
		}
	}
	if stats.EventsIngested == 0 {
		return stats, nil
	}

	if p.onWrite != nil && stats.Created+stats.Updated+stats.Superseded > 0 {
		p.onWrite(namespace)
	}
	logger.InfoCF("pipeline", "run completed", map[string]interface{}{
		"session_id": sessionID,
		"events":     stats.EventsIngested,
		"candidates": stats.Candidates,
		"created":    stats.Created,
		"updated":    stats.Updated,
		"skipped":    stats.Skipped,
		"superseded": stats.Superseded,
	})
	return stats, nil
}

// consolidate decides the fate of one candidate against the namespace's
// existing memories:
//
//	no near match            -> create
//	match, adds information  -> update (merge, lineage append)
//	match, contradiction and
//	  clearly higher confid. -> supersede (retire old, create new)
//	match, nothing new       -> skip
func (p *Pipeline) consolidate(ctx context.Context, sessionID, namespace string, cand Candidate) (ConsolidationAction, error) {
	matchID, score, found, err := p.similarity.Nearest(ctx, namespace, cand.Content)
	if err != nil {
		return "", err
	}
	if !found || score < p.similarityThreshold {
		return ActionCreate, p.createMemory(ctx, sessionID, namespace, cand)
	}

	existing, err := p.store.GetMemory(ctx, matchID)
	if err != nil {
		return "", err
	}

	if contradicts(cand.Content, existing.Content) {
		if cand.Confidence >= existing.Confidence+p.supersedeMargin {
			return ActionSupersede, p.supersedeMemory(ctx, sessionID, namespace, existing, cand)
		}
		// Contradiction without a confidence edge: keep the incumbent.
		return ActionSkip, p.markSeen(ctx, sessionID, existing)
	}

	if addsInformation(cand.Content, existing.Content) {
		return ActionUpdate, p.updateMemory(ctx, sessionID, existing, cand)
	}
	return ActionSkip, p.markSeen(ctx, sessionID, existing)
}

func (p *Pipeline) createMemory(ctx context.Context, sessionID, namespace string, cand Candidate) error {
	m := Memory{
		ID:         "mem-" + uuid.NewString(),
		Namespace:  namespace,
		Content:    cand.Content,
		Category:   cand.Category,
		Importance: cand.Importance,
		Tags:       cand.Tags,
		CreatedAt:  time.Now(),
		Source:     cand.Source,
		Confidence: cand.Confidence,
		Lineage:    []string{sessionID},
	}
	if m.Category == "" {
		m.Category = CategoryFacts
	}
	if err := p.store.InsertMemory(ctx, m); err != nil {
		return err
	}
	return p.similarity.Index(ctx, m)
}

// updateMemory merges the candidate into the existing memory: content
// union, small confidence bump, lineage append.
func (p *Pipeline) updateMemory(ctx context.Context, sessionID string, existing Memory, cand Candidate) error {
	existing.Content = mergeContent(existing.Content, cand.Content)
	if cand.Importance > existing.Importance {
		existing.Importance = cand.Importance
	}
	maxConf := existing.Confidence
	if cand.Confidence > maxConf {
		maxConf = cand.Confidence
	}
	existing.Confidence = clamp01(maxConf + 0.05)
	existing.Tags = mergeTags(existing.Tags, cand.Tags)
	if !existing.InLineage(sessionID) {
		existing.Lineage = append(existing.Lineage, sessionID)
	}
	existing.LastUsedAt = time.Now()
	if err := p.store.UpdateMemory(ctx, existing); err != nil {
		return err
	}
	return p.similarity.Index(ctx, existing)
}

// supersedeMemory retires the incumbent and creates the replacement with
// the incumbent's lineage carried forward.
func (p *Pipeline) supersedeMemory(ctx context.Context, sessionID, namespace string, existing Memory, cand Candidate) error {
	if err := p.store.ExpireMemory(ctx, existing.ID); err != nil {
		return err
	}
	replacement := Memory{
		ID:         "mem-" + uuid.NewString(),
		Namespace:  namespace,
		Content:    cand.Content,
		Category:   cand.Category,
		Importance: cand.Importance,
		Tags:       cand.Tags,
		Metadata:   map[string]string{"supersedes": existing.ID},
		CreatedAt:  time.Now(),
		Source:     cand.Source,
		Confidence: cand.Confidence,
		Lineage:    appendUnique(existing.Lineage, sessionID),
	}
	if replacement.Category == "" {
		replacement.Category = existing.Category
	}
	logger.InfoCF("pipeline", "memory superseded", map[string]interface{}{
		"old": existing.ID, "new": replacement.ID,
	})
	if err := p.store.InsertMemory(ctx, replacement); err != nil {
		return err
	}
	return p.similarity.Index(ctx, replacement)
}

// markSeen records that the session re-asserted an existing memory
// without changing it, keeping replays idempotent on lineage too.
func (p *Pipeline) markSeen(ctx context.Context, sessionID string, existing Memory) error {
	if existing.InLineage(sessionID) {
		return nil
	}
	existing.Lineage = append(existing.Lineage, sessionID)
	existing.LastUsedAt = time.Now()
	return p.store.UpdateMemory(ctx, existing)
}

var negationPattern = regexp.MustCompile(`(?i)\b(?:not|no longer|never|don't|do not|doesn't|stopped|dislikes?|hates?)\b`)

// contradicts flags a polarity flip: the two statements are near matches
// but exactly one side carries a negation marker.
func contradicts(candidate, existing string) bool {
	return negationPattern.MatchString(candidate) != negationPattern.MatchString(existing)
}

// addsInformation reports whether the candidate carries content tokens
// absent from the existing memory.
func addsInformation(candidate, existing string) bool {
	have := tokenSet(existing)
	for tok := range tokenSet(candidate) {
		if _, ok := have[tok]; !ok {
			return true
		}
	}
	return false
}

// mergeContent appends the candidate's sentence unless already present.
func mergeContent(existing, candidate string) string {
	if strings.Contains(strings.ToLower(existing), strings.ToLower(candidate)) {
		return existing
	}
	return existing + "; " + candidate
}

func mergeTags(a, b []string) []string {
	out := append([]string{}, a...)
	for _, t := range b {
		out = appendUnique(out, t)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(append([]string{}, list...), v)
}

func snippet(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}
