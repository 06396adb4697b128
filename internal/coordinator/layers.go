package coordinator

import (
	"context"

	"nova/internal/archive"
	"nova/internal/domain/conversation"
	"nova/internal/durable"
	"nova/internal/memory"
)

// DurableLayer is the priority-1 tier backed by the append-only log.
type DurableLayer struct {
	log durable.Log
}

func NewDurableLayer(log durable.Log) *DurableLayer {
	return &DurableLayer{log: log}
}

func (l *DurableLayer) Name() string  { return "durable-log" }
func (l *DurableLayer) Priority() int { return 1 }

func (l *DurableLayer) Write(ctx context.Context, messages []conversation.Message) error {
	return l.log.AppendMessages(ctx, messages)
}

// ArchiveLayer is the priority-2 relational tier.
type ArchiveLayer struct {
	store archive.Store
}

func NewArchiveLayer(store archive.Store) *ArchiveLayer {
	return &ArchiveLayer{store: store}
}

func (l *ArchiveLayer) Name() string  { return "archive" }
func (l *ArchiveLayer) Priority() int { return 2 }

func (l *ArchiveLayer) Write(ctx context.Context, messages []conversation.Message) error {
	_, err := l.store.AppendMessages(ctx, messages)
	return err
}

// MemoryLayer is the priority-3 tier: embed each message and upsert it into
// short-term memory.
type MemoryLayer struct {
	manager *memory.Manager
}

func NewMemoryLayer(manager *memory.Manager) *MemoryLayer {
	return &MemoryLayer{manager: manager}
}

func (l *MemoryLayer) Name() string  { return "memory" }
func (l *MemoryLayer) Priority() int { return 3 }

func (l *MemoryLayer) Write(ctx context.Context, messages []conversation.Message) error {
	for _, msg := range messages {
		rec := memory.Record{
			Role:       string(msg.Role),
			Content:    msg.Text(),
			Importance: 0.5,
			Timestamp:  msg.Timestamp,
		}
		if err := l.manager.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
