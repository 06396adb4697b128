package memory

import (
	"context"
	"sync"
	"time"

	"nova/internal/llm"
	"nova/internal/logging"
)

// embedBatcher coalesces embedding requests into provider batches. A request
// is released when the queue reaches batchSize or when the flush timer fires,
// whichever comes first. Results are resolved in enqueue order.
type embedBatcher struct {
	client    llm.Client
	opts      llm.EmbedOptions
	batchSize int
	interval  time.Duration
	logger    logging.Logger

	mu      sync.Mutex
	pending []*embedRequest
	timer   *time.Timer
}

type embedRequest struct {
	text string
	done chan embedOutcome
}

type embedOutcome struct {
	vector []float32
	err    error
}

func newEmbedBatcher(client llm.Client, opts llm.EmbedOptions, interval time.Duration) *embedBatcher {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = llm.DefaultEmbedOptions().BatchSize
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &embedBatcher{
		client:    client,
		opts:      opts,
		batchSize: batchSize,
		interval:  interval,
		logger:    logging.NewComponentLogger("embed-batcher"),
	}
}

// embed queues the text and blocks until its batch resolves or ctx is done.
func (b *embedBatcher) embed(ctx context.Context, text string) ([]float32, error) {
	req := &embedRequest{text: text, done: make(chan embedOutcome, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	if len(b.pending) >= b.batchSize {
		batch := b.takeLocked()
		b.mu.Unlock()
		go b.flush(batch)
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.interval, b.flushTimer)
		}
		b.mu.Unlock()
	}

	select {
	case out := <-req.done:
		return out.vector, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// embedNow bypasses the queue for high-priority callers.
func (b *embedBatcher) embedNow(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.client.EmbedBatch(ctx, []string{text}, b.opts)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (b *embedBatcher) flushTimer() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

// takeLocked drains the queue and stops the timer. Callers hold b.mu.
func (b *embedBatcher) takeLocked() []*embedRequest {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *embedBatcher) flush(batch []*embedRequest) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vectors, err := b.client.EmbedBatch(ctx, texts, b.opts)
	if err != nil {
		b.logger.Warn("batch of %d embeddings failed: %v", len(batch), err)
		for _, req := range batch {
			req.done <- embedOutcome{err: err}
		}
		return
	}
	for i, req := range batch {
		req.done <- embedOutcome{vector: vectors[i]}
	}
}
