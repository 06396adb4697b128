package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"nova/internal/llm"
	"nova/internal/memory"
	"nova/internal/recall"
)

func newSearchTool(t *testing.T) (Tool, *memory.Manager) {
	t.Helper()
	index, err := recall.NewChromemIndex(recall.ChromemConfig{}, func(ctx context.Context, text string) ([]float32, error) {
		return llm.DeterministicEmbedding(text, 8), nil
	})
	if err != nil {
		t.Fatalf("NewChromemIndex: %v", err)
	}
	cfg := memory.DefaultConfig()
	cfg.BatchInterval = time.Millisecond
	manager := memory.NewManager("s1", index, llm.NewMockClient(), cfg)
	return NewMemorySearch(manager), manager
}

func TestMemorySearchFindsRecords(t *testing.T) {
	tool, manager := newSearchTool(t)
	ctx := context.Background()

	err := manager.Save(ctx, memory.Record{Role: "user", Content: "we deployed the api yesterday"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := tool.Execute(ctx, map[string]any{"query": "we deployed the api yesterday"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "[user,") || !strings.Contains(out, "we deployed the api yesterday") {
		t.Fatalf("output = %q", out)
	}
}

func TestMemorySearchFindsRollups(t *testing.T) {
	tool, manager := newSearchTool(t)
	ctx := context.Background()

	err := manager.AddLongTerm(ctx, memory.Rollup{
		UserQueries: "deploy status",
		Summary:     "we shipped the deploy",
	})
	if err != nil {
		t.Fatalf("AddLongTerm: %v", err)
	}

	out, err := tool.Execute(ctx, map[string]any{"query": "deploy status we shipped the deploy"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "[summary,") || !strings.Contains(out, "we shipped the deploy") {
		t.Fatalf("output = %q", out)
	}
}

func TestMemorySearchEmpty(t *testing.T) {
	tool, _ := newSearchTool(t)
	out, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "No matching memories found." {
		t.Fatalf("output = %q", out)
	}
}

func TestMemorySearchRequiresQuery(t *testing.T) {
	tool, _ := newSearchTool(t)
	if _, err := tool.Execute(context.Background(), map[string]any{"query": "   "}); err == nil {
		t.Fatal("expected an error for a blank query")
	}
}
