package tools

import (
	"context"
	"fmt"
	"strings"

	"nova/internal/llm"
	"nova/internal/memory"
)

// memorySearch lets the model query the session's own memory tiers.
type memorySearch struct {
	manager *memory.Manager
}

func NewMemorySearch(manager *memory.Manager) Tool {
	return &memorySearch{manager: manager}
}

func (t *memorySearch) Name() string { return "memory_search" }

func (t *memorySearch) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "memory_search",
		Description: "Search this conversation's memory for past messages and summaries relevant to a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Max results, default 5",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *memorySearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("memory_search requires a query")
	}
	topK := 5
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}

	stm, err := t.manager.Search(ctx, query, topK, nil)
	if err != nil {
		return "", err
	}
	ltm, err := t.manager.SearchLongTerm(ctx, query, topK)
	if err != nil {
		return "", err
	}

	if len(stm) == 0 && len(ltm) == 0 {
		return "No matching memories found.", nil
	}

	var b strings.Builder
	for _, hit := range ltm {
		fmt.Fprintf(&b, "[summary, %d%%] %s\n", int(hit.Score*100), hit.Metadata["summary"])
	}
	for _, hit := range stm {
		fmt.Fprintf(&b, "[%s, %d%%] %s\n", hit.Metadata["role"], int(hit.Score*100), hit.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
