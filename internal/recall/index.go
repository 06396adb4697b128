// Package recall is the shared vector index behind the memory tiers. It is
// partitioned by session and tier through metadata filters; no call crosses a
// session boundary.
package recall

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"nova/internal/logging"
)

// Tier names a memory tier.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
)

// Entry is a stored vector record. Content is carried in the entry itself so
// search results do not need a second store lookup.
type Entry struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Match is a query result with a cosine similarity in [0, 1].
type Match struct {
	Entry
	Score float32
}

// EmbedFunc produces the embedding for a piece of text. The memory manager
// supplies its cached embedder here so the index and the manager share one
// embedding path.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Index is the vector index contract.
type Index interface {
	// Upsert stores entries, replacing any with the same id.
	Upsert(ctx context.Context, entries []Entry) error

	// Query searches by text. Every filter pair must match the entry's
	// metadata exactly. Results are ordered by descending score and
	// truncated to topK.
	Query(ctx context.Context, text string, topK int, filter map[string]string) ([]Match, error)

	// Delete removes entries by id.
	Delete(ctx context.Context, ids []string) error

	// DeleteWhere removes every entry whose metadata matches the filter.
	DeleteWhere(ctx context.Context, filter map[string]string) error

	// Count returns the number of stored entries.
	Count() int
}

// ChromemConfig configures the chromem-backed index.
type ChromemConfig struct {
	// PersistPath, when set, stores the index on disk under this directory.
	PersistPath string
	Collection  string
}

type chromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// NewChromemIndex opens (or creates) a chromem collection. embed is used for
// query-time embeddings; upserts carry their own vectors.
func NewChromemIndex(cfg ChromemConfig, embed EmbedFunc) (Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "recall"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "recall.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open recall index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("create recall collection: %w", err)
	}

	return &chromemIndex{
		db:         db,
		collection: collection,
		logger:     logging.NewComponentLogger("recall"),
	}, nil
}

func (x *chromemIndex) Upsert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		err := x.collection.AddDocument(ctx, chromem.Document{
			ID:        e.ID,
			Content:   e.Content,
			Embedding: e.Embedding,
			Metadata:  e.Metadata,
		})
		if err != nil {
			return fmt.Errorf("upsert entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (x *chromemIndex) Query(ctx context.Context, text string, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects nResults > collection size.
	if n := x.collection.Count(); topK > n {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}

	results, err := x.collection.Query(ctx, text, topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query recall index: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Entry: Entry{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return matches, nil
}

func (x *chromemIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := x.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

func (x *chromemIndex) DeleteWhere(ctx context.Context, filter map[string]string) error {
	if len(filter) == 0 {
		return nil
	}
	if err := x.collection.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("delete by metadata: %w", err)
	}
	return nil
}

func (x *chromemIndex) Count() int {
	return x.collection.Count()
}
