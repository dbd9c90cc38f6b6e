package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dotsetgreg/contextd/pkg/logger"
)

// ScoringConfig holds the composite-score weights and the recency decay
// window.
type ScoringConfig struct {
	RelevanceWeight   float64
	RecencyWeight     float64
	ImportanceWeight  float64
	RecencyWindowDays int
}

func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		RelevanceWeight:   0.4,
		RecencyWeight:     0.3,
		ImportanceWeight:  0.3,
		RecencyWindowDays: 30,
	}
}

// Retriever scores and ranks memories for context assembly. Results are
// cached per (namespace, query) and invalidated whenever the namespace
// changes via a generation counter folded into the cache key.
type Retriever struct {
	store   Store
	scoring ScoringConfig

	cache *lru.Cache[string, []ScoredMemory]

	mu          sync.Mutex
	generations map[string]uint64
}

func NewRetriever(store Store, scoring ScoringConfig, cacheSize int) (*Retriever, error) {
	if scoring.RelevanceWeight+scoring.RecencyWeight+scoring.ImportanceWeight <= 0 {
		scoring = DefaultScoringConfig()
	}
	if scoring.RecencyWindowDays <= 0 {
		scoring.RecencyWindowDays = 30
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, []ScoredMemory](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create retrieval cache: %w", err)
	}
	return &Retriever{
		store:       store,
		scoring:     scoring,
		cache:       cache,
		generations: map[string]uint64{},
	}, nil
}

// Invalidate bumps the namespace generation, orphaning every cached
// result for it. Called after any memory write in the namespace.
func (r *Retriever) Invalidate(namespace string) {
	r.mu.Lock()
	r.generations[namespace]++
	r.mu.Unlock()
}

func (r *Retriever) generation(namespace string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[namespace]
}

func (r *Retriever) cacheKey(q Query) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%d|%.4f",
		q.Namespace, r.generation(q.Namespace), q.Text, q.Category,
		strings.Join(q.Tags, ","), q.Limit, q.MinRelevance)
	return hex.EncodeToString(h.Sum(nil))
}

// Retrieve returns the top memories for q ranked by composite score.
// With no query text the relevance term drops out and the remaining
// weights are renormalized.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]ScoredMemory, error) {
	if q.Namespace == "" {
		return nil, fmt.Errorf("retrieve: empty namespace")
	}
	if q.Limit <= 0 {
		q.Limit = 8
	}

	key := r.cacheKey(q)
	if cached, ok := r.cache.Get(key); ok {
		return cloneScored(cached), nil
	}

	now := time.Now()
	var scored []ScoredMemory
	var err error
	if strings.TrimSpace(q.Text) == "" {
		scored, err = r.browse(ctx, q, now)
	} else {
		scored, err = r.search(ctx, q, now)
	}
	if err != nil {
		return nil, err
	}

	sortScored(scored)
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}

	if len(scored) > 0 {
		ids := make([]string, len(scored))
		for i, sm := range scored {
			ids[i] = sm.Memory.ID
		}
		if err := r.store.TouchMemories(ctx, ids); err != nil {
			logger.WarnCF("retriever", "touch memories failed", map[string]interface{}{"error": err.Error()})
		}
	}

	r.cache.Add(key, cloneScored(scored))
	return scored, nil
}

// search ranks FTS hits by the full composite score. bm25 ranks are
// normalized per result set against the best match.
func (r *Retriever) search(ctx context.Context, q Query, now time.Time) ([]ScoredMemory, error) {
	ftsQuery := buildFTSQuery(q.Text)
	if ftsQuery == "" {
		return r.browse(ctx, q, now)
	}
	fetch := q.Limit * 4
	if fetch < 32 {
		fetch = 32
	}
	items, ranks, err := r.store.SearchMemories(ctx, q.Namespace, ftsQuery, fetch)
	if err != nil {
		return nil, fmt.Errorf("retrieve search: %w", err)
	}
	items, ranks = filterSearchHits(items, ranks, q)

	// bm25 is negative-better in FTS5; the best hit anchors 1.0.
	best := 0.0
	for _, rank := range ranks {
		if -rank > best {
			best = -rank
		}
	}

	scored := make([]ScoredMemory, 0, len(items))
	for i, m := range items {
		relevance := 0.0
		if best > 0 {
			relevance = -ranks[i] / best
		}
		if relevance < q.MinRelevance {
			continue
		}
		sm := ScoredMemory{
			Memory:     m,
			Relevance:  relevance,
			Recency:    r.recencyScore(m, now),
			Importance: clamp01(m.Importance),
		}
		sm.Score = r.scoring.RelevanceWeight*sm.Relevance +
			r.scoring.RecencyWeight*sm.Recency +
			r.scoring.ImportanceWeight*sm.Importance
		scored = append(scored, sm)
	}
	return scored, nil
}

// browse ranks without a text query: recency and importance only, with
// their weights renormalized so scores stay in [0,1].
func (r *Retriever) browse(ctx context.Context, q Query, now time.Time) ([]ScoredMemory, error) {
	fetch := q.Limit * 4
	if fetch < 32 {
		fetch = 32
	}
	items, err := r.store.ListMemories(ctx, q.Namespace, q.Category, q.Tags, fetch)
	if err != nil {
		return nil, fmt.Errorf("retrieve browse: %w", err)
	}
	wSum := r.scoring.RecencyWeight + r.scoring.ImportanceWeight
	if wSum <= 0 {
		wSum = 1
	}
	scored := make([]ScoredMemory, 0, len(items))
	for _, m := range items {
		sm := ScoredMemory{
			Memory:     m,
			Recency:    r.recencyScore(m, now),
			Importance: clamp01(m.Importance),
		}
		sm.Score = (r.scoring.RecencyWeight*sm.Recency + r.scoring.ImportanceWeight*sm.Importance) / wSum
		scored = append(scored, sm)
	}
	return scored, nil
}

// RetrieveHighImportance returns pinned-quality memories regardless of
// query relevance, for the always-include section of a context.
func (r *Retriever) RetrieveHighImportance(ctx context.Context, namespace string, threshold float64, limit int) ([]Memory, error) {
	if threshold <= 0 {
		threshold = 0.8
	}
	return r.store.ListHighImportance(ctx, namespace, threshold, limit)
}

// recencyScore decays linearly from 1 (now) to 0 at the window edge,
// using last-used time when available.
func (r *Retriever) recencyScore(m Memory, now time.Time) float64 {
	ref := m.LastUsedAt
	if ref.IsZero() {
		ref = m.CreatedAt
	}
	if ref.IsZero() {
		return 0
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	score := 1 - ageDays/float64(r.scoring.RecencyWindowDays)
	return clamp01(score)
}

func filterSearchHits(items []Memory, ranks []float64, q Query) ([]Memory, []float64) {
	if q.Category == "" && len(q.Tags) == 0 {
		return items, ranks
	}
	outItems := items[:0]
	outRanks := ranks[:0]
	for i, m := range items {
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		if len(q.Tags) > 0 && len(filterByTags([]Memory{m}, q.Tags)) == 0 {
			continue
		}
		outItems = append(outItems, m)
		outRanks = append(outRanks, ranks[i])
	}
	return outItems, outRanks
}

// sortScored orders by score descending, breaking ties toward the newer
// memory.
func sortScored(scored []ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt)
	})
}

func cloneScored(in []ScoredMemory) []ScoredMemory {
	out := make([]ScoredMemory, len(in))
	copy(out, in)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// buildFTSQuery turns free text into a defensive FTS5 OR-query of quoted
// terms, so user punctuation cannot break match syntax.
func buildFTSQuery(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	terms := make([]string, 0, len(fields))
	seen := map[string]struct{}{}
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, `"`+f+`"`)
		if len(terms) >= 12 {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
