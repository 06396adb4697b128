package recall

import (
	"context"
	"testing"

	"nova/internal/llm"
)

func newTestIndex(t *testing.T) Index {
	t.Helper()
	index, err := NewChromemIndex(ChromemConfig{}, func(ctx context.Context, text string) ([]float32, error) {
		return llm.DeterministicEmbedding(text, 8), nil
	})
	if err != nil {
		t.Fatalf("NewChromemIndex: %v", err)
	}
	return index
}

func entry(id, content string, meta map[string]string) Entry {
	return Entry{
		ID:        id,
		Content:   content,
		Embedding: llm.DeterministicEmbedding(content, 8),
		Metadata:  meta,
	}
}

func TestQueryIdenticalTextScoresHighest(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	err := index.Upsert(ctx, []Entry{
		entry("a", "how do I configure logging", nil),
		entry("b", "completely unrelated content", nil),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := index.Query(ctx, "how do I configure logging", 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d", len(matches))
	}
	if matches[0].ID != "a" {
		t.Fatalf("top match = %q", matches[0].ID)
	}
	if matches[0].Score < 0.999 {
		t.Fatalf("identical text scored %f", matches[0].Score)
	}
	if matches[1].Score > matches[0].Score {
		t.Fatal("results must be ordered by descending score")
	}
}

func TestQueryMetadataFilter(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	err := index.Upsert(ctx, []Entry{
		entry("s1-m1", "note about deployments", map[string]string{"sessionId": "s1"}),
		entry("s2-m1", "note about deployments too", map[string]string{"sessionId": "s2"}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := index.Query(ctx, "deployments", 5, map[string]string{"sessionId": "s1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "s1-m1" {
		t.Fatalf("filtered matches = %+v", matches)
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	index := newTestIndex(t)
	matches, err := index.Query(context.Background(), "anything", 5, nil)
	if err != nil {
		t.Fatalf("Query on empty index: %v", err)
	}
	if matches != nil {
		t.Fatalf("matches = %+v, want nil", matches)
	}
}

func TestQueryClampsTopK(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	if err := index.Upsert(ctx, []Entry{entry("only", "one document", nil)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	matches, err := index.Query(ctx, "one document", 10, nil)
	if err != nil {
		t.Fatalf("Query with oversized topK: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
}

func TestUpsertReplacesSameID(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	if err := index.Upsert(ctx, []Entry{entry("x", "first version", nil)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := index.Upsert(ctx, []Entry{entry("x", "second version", nil)}); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	if index.Count() != 1 {
		t.Fatalf("Count = %d, want 1", index.Count())
	}

	matches, err := index.Query(ctx, "second version", 1, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if matches[0].Content != "second version" {
		t.Fatalf("content = %q", matches[0].Content)
	}
}

func TestDelete(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	err := index.Upsert(ctx, []Entry{
		entry("a", "keep me", nil),
		entry("b", "drop me", nil),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := index.Delete(ctx, []string{"b"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if index.Count() != 1 {
		t.Fatalf("Count = %d, want 1", index.Count())
	}
	if err := index.Delete(ctx, nil); err != nil {
		t.Fatalf("Delete with no ids: %v", err)
	}
}

func TestDeleteWhere(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	err := index.Upsert(ctx, []Entry{
		entry("s1-a", "alpha", map[string]string{"sessionId": "s1"}),
		entry("s1-b", "beta", map[string]string{"sessionId": "s1"}),
		entry("s2-a", "gamma", map[string]string{"sessionId": "s2"}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := index.DeleteWhere(ctx, map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if index.Count() != 1 {
		t.Fatalf("Count = %d, want 1", index.Count())
	}

	// An empty filter is a no-op, never a wipe.
	if err := index.DeleteWhere(ctx, nil); err != nil {
		t.Fatalf("DeleteWhere with empty filter: %v", err)
	}
	if index.Count() != 1 {
		t.Fatalf("Count after empty filter = %d, want 1", index.Count())
	}
}
