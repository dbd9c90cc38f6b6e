package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

// LexicalSimilarity is the default consolidation backend: token overlap
// against recent active namespace memories. No index state; the store is
// the index.
type LexicalSimilarity struct {
	store Store
	// scanLimit bounds how many recent memories Nearest compares against.
	scanLimit int
}

func NewLexicalSimilarity(store Store) *LexicalSimilarity {
	return &LexicalSimilarity{store: store, scanLimit: 512}
}

func (l *LexicalSimilarity) Index(ctx context.Context, m Memory) error {
	// Nothing to maintain; Nearest reads the store directly.
	return nil
}

func (l *LexicalSimilarity) Nearest(ctx context.Context, namespace, content string) (string, float64, bool, error) {
	items, err := l.store.ListMemories(ctx, namespace, "", nil, l.scanLimit)
	if err != nil {
		return "", 0, false, fmt.Errorf("lexical nearest: %w", err)
	}
	query := tokenSet(content)
	if len(query) == 0 {
		return "", 0, false, nil
	}
	bestID := ""
	bestScore := 0.0
	for _, m := range items {
		score := overlapCoefficient(query, tokenSet(m.Content))
		if score > bestScore {
			bestScore = score
			bestID = m.ID
		}
	}
	if bestID == "" {
		return "", 0, false, nil
	}
	return bestID, bestScore, true, nil
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "is": {}, "are": {}, "was": {}, "be": {}, "it": {},
	"that": {}, "this": {}, "with": {}, "for": {}, "as": {}, "not": {}, "no": {},
	"i": {}, "we": {}, "you": {}, "my": {}, "our": {},
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := map[string]struct{}{}
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// overlapCoefficient is intersection over the smaller set. Unlike
// Jaccard it stays high when one statement rephrases or extends the
// other, which is exactly the near-duplicate shape consolidation hunts.
func overlapCoefficient(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(inter) / float64(min)
}

// VectorSimilarity backs consolidation with an in-process vector index.
// Embeddings are deterministic character-trigram hashes, so the backend
// needs no network calls.
type VectorSimilarity struct {
	store Store

	mu          sync.Mutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
}

func NewVectorSimilarity(store Store) *VectorSimilarity {
	return &VectorSimilarity{
		store:       store,
		db:          chromem.NewDB(),
		collections: map[string]*chromem.Collection{},
	}
}

func (v *VectorSimilarity) collection(namespace string) (*chromem.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[namespace]; ok {
		return col, nil
	}
	col, err := v.db.CreateCollection("mem-"+namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}
	v.collections[namespace] = col
	return col, nil
}

func (v *VectorSimilarity) Index(ctx context.Context, m Memory) error {
	col, err := v.collection(m.Namespace)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        m.ID,
		Content:   m.Content,
		Embedding: trigramEmbedding(m.Content),
		Metadata:  map[string]string{"category": string(m.Category)},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	return nil
}

// Nearest queries a handful of neighbors and skips retired memories,
// since the vector index never deletes.
func (v *VectorSimilarity) Nearest(ctx context.Context, namespace, content string) (string, float64, bool, error) {
	col, err := v.collection(namespace)
	if err != nil {
		return "", 0, false, err
	}
	count := col.Count()
	if count == 0 {
		return "", 0, false, nil
	}
	n := 3
	if n > count {
		n = count
	}
	results, err := col.QueryEmbedding(ctx, trigramEmbedding(content), n, nil, nil)
	if err != nil {
		return "", 0, false, fmt.Errorf("vector nearest: %w", err)
	}
	for _, res := range results {
		m, err := v.store.GetMemory(ctx, res.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return "", 0, false, err
		}
		if !m.ExpiredAt.IsZero() {
			continue
		}
		return res.ID, float64(res.Similarity), true, nil
	}
	return "", 0, false, nil
}

const embeddingDim = 384

// trigramEmbedding hashes character trigrams into a fixed-size normalized
// vector. Crude, but stable and dependency-free.
func trigramEmbedding(text string) []float32 {
	vec := make([]float32, embeddingDim)
	runes := []rune(strings.ToLower(text))
	if len(runes) < 3 {
		runes = append(runes, ' ', ' ')
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		vec[h.Sum32()%embeddingDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
