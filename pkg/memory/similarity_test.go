package memory

import (
	"context"
	"testing"
)

func TestLexicalNearestPicksBestOverlap(t *testing.T) {
	store := newTestStore(t)
	sim := NewLexicalSimilarity(store)
	ctx := context.Background()

	seedMemory(t, store, Memory{ID: "mem-1", Namespace: "alice", Content: "deploys run from the release branch every friday", Category: CategoryFacts})
	seedMemory(t, store, Memory{ID: "mem-2", Namespace: "alice", Content: "coffee machine broke again", Category: CategoryContext})

	id, score, ok, err := sim.Nearest(ctx, "alice", "release deploys happen every friday from the release branch")
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if !ok || id != "mem-1" {
		t.Fatalf("expected mem-1, got %q ok=%v", id, ok)
	}
	if score <= 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
}

func TestLexicalNearestEmptyNamespace(t *testing.T) {
	sim := NewLexicalSimilarity(newTestStore(t))
	_, _, ok, err := sim.Nearest(context.Background(), "nobody", "anything at all")
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if ok {
		t.Fatal("empty namespace should have no nearest match")
	}
}

func TestOverlapCoefficient(t *testing.T) {
	a := tokenSet("prefers dark mode in editors")
	b := tokenSet("prefers dark mode in terminals")
	c := tokenSet("completely unrelated sentence here")

	if got := overlapCoefficient(a, a); got != 1 {
		t.Fatalf("self overlap = %f, want 1", got)
	}
	if got := overlapCoefficient(a, b); got != 0.75 {
		t.Fatalf("overlap = %f, want 0.75", got)
	}
	if overlapCoefficient(a, b) <= overlapCoefficient(a, c) {
		t.Fatal("overlapping sets should score higher than disjoint ones")
	}
	if overlapCoefficient(a, map[string]struct{}{}) != 0 {
		t.Fatal("empty set overlap should be 0")
	}
}

func TestOverlapCoefficientStaysHighOnRephrase(t *testing.T) {
	short := tokenSet("prefers dark mode")
	long := tokenSet("prefers dark mode across every editor and terminal")
	if got := overlapCoefficient(short, long); got != 1 {
		t.Fatalf("extension of a statement should overlap fully, got %f", got)
	}
}

func TestTokenSetDropsStopwordsAndShortTokens(t *testing.T) {
	set := tokenSet("The cat is on a mat, OK?")
	if _, ok := set["the"]; ok {
		t.Fatal("stopword survived")
	}
	if _, ok := set["a"]; ok {
		t.Fatal("single-char token survived")
	}
	if _, ok := set["cat"]; !ok {
		t.Fatal("content token dropped")
	}
}

func TestVectorSimilarityIndexAndNearest(t *testing.T) {
	store := newTestStore(t)
	sim := NewVectorSimilarity(store)
	ctx := context.Background()

	m1 := Memory{ID: "mem-1", Namespace: "alice", Content: "the deployment pipeline uses blue green rollout", Category: CategoryFacts}
	m2 := Memory{ID: "mem-2", Namespace: "alice", Content: "favorite lunch spot is the noodle bar", Category: CategoryPreferences}
	seedMemory(t, store, m1)
	seedMemory(t, store, m2)
	if err := sim.Index(ctx, m1); err != nil {
		t.Fatalf("Index m1: %v", err)
	}
	if err := sim.Index(ctx, m2); err != nil {
		t.Fatalf("Index m2: %v", err)
	}

	id, score, ok, err := sim.Nearest(ctx, "alice", "blue green deployment rollout in the pipeline")
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if !ok || id != "mem-1" {
		t.Fatalf("expected mem-1, got %q ok=%v", id, ok)
	}
	if score <= 0 {
		t.Fatalf("similarity should be positive, got %f", score)
	}
}

func TestVectorSimilaritySkipsExpired(t *testing.T) {
	store := newTestStore(t)
	sim := NewVectorSimilarity(store)
	ctx := context.Background()

	m := Memory{ID: "mem-1", Namespace: "alice", Content: "the only indexed memory in this namespace", Category: CategoryFacts}
	seedMemory(t, store, m)
	if err := sim.Index(ctx, m); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := store.ExpireMemory(ctx, "mem-1"); err != nil {
		t.Fatalf("ExpireMemory: %v", err)
	}

	_, _, ok, err := sim.Nearest(ctx, "alice", "the only indexed memory in this namespace")
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if ok {
		t.Fatal("expired memory should not be returned as nearest")
	}
}

func TestTrigramEmbeddingIsNormalizedAndStable(t *testing.T) {
	a := trigramEmbedding("the same input text")
	b := trigramEmbedding("the same input text")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic")
		}
	}
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Fatalf("embedding not unit-normalized: %f", norm)
	}
}
