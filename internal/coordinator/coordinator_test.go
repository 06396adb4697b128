package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"nova/internal/domain/conversation"
	apperrors "nova/internal/errors"
)

// fakeLayer records successful writes and fails with scripted errors first.
type fakeLayer struct {
	name     string
	priority int

	mu      sync.Mutex
	batches [][]conversation.Message
	errs    []error
}

func (l *fakeLayer) Name() string  { return l.name }
func (l *fakeLayer) Priority() int { return l.priority }

func (l *fakeLayer) failWith(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, errs...)
}

func (l *fakeLayer) Write(ctx context.Context, messages []conversation.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return err
	}
	batch := make([]conversation.Message, len(messages))
	copy(batch, messages)
	l.batches = append(l.batches, batch)
	return nil
}

func (l *fakeLayer) lastBatch() []conversation.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return nil
	}
	return l.batches[len(l.batches)-1]
}

func (l *fakeLayer) batchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

func msg(text string) conversation.Message {
	return conversation.NewText("s1", conversation.RoleUser, text)
}

func TestCoordinatorBatchSizeTriggersFlush(t *testing.T) {
	durable := &fakeLayer{name: "durable", priority: 1}
	arch := &fakeLayer{name: "archive", priority: 2}
	c := New(Config{BatchSize: 2, FlushInterval: time.Hour, MaxRetries: 1}, []Layer{arch, durable})
	ctx := context.Background()

	if err := c.SaveMessage(ctx, msg("one")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if durable.batchCount() != 0 {
		t.Fatal("a single message must stay queued below the batch size")
	}

	if err := c.SaveMessage(ctx, msg("two")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	for _, layer := range []*fakeLayer{durable, arch} {
		batch := layer.lastBatch()
		if len(batch) != 2 || batch[0].Text() != "one" || batch[1].Text() != "two" {
			t.Fatalf("layer %s got batch %v", layer.name, batch)
		}
	}

	m := c.Metrics()
	if m.QueueLength != 0 || m.Enqueued != 2 || m.Flushes != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCoordinatorTimerFlush(t *testing.T) {
	durable := &fakeLayer{name: "durable", priority: 1}
	c := New(Config{BatchSize: 10, FlushInterval: 10 * time.Millisecond, MaxRetries: 1}, []Layer{durable})

	if err := c.SaveMessage(context.Background(), msg("later")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for durable.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer flush never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if batch := durable.lastBatch(); len(batch) != 1 || batch[0].Text() != "later" {
		t.Fatalf("timer flushed %v", batch)
	}
}

func TestCoordinatorCriticalFailureRequeuesAtHead(t *testing.T) {
	durable := &fakeLayer{name: "durable", priority: 1}
	c := New(Config{BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 1}, []Layer{durable})
	ctx := context.Background()

	if err := c.SaveMessage(ctx, msg("first")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	durable.failWith(fmt.Errorf("disk full"))
	err := c.Flush(ctx)
	if err == nil {
		t.Fatal("expected flush error on critical tier failure")
	}
	if !apperrors.Is(err, apperrors.KindPersistence) {
		t.Fatalf("flush error kind = %v, want persistence", err)
	}

	m := c.Metrics()
	if !m.PriorityMode {
		t.Fatal("a critical failure must switch the queue into priority mode")
	}
	if m.QueueLength != 1 || m.FlushFailures != 1 {
		t.Fatalf("metrics after failure = %+v", m)
	}
	if m.LayerFailures["durable"] != 1 {
		t.Fatalf("layer failures = %v", m.LayerFailures)
	}

	// With the tier healed, the next save flushes inline and the failed
	// message goes out ahead of the new one.
	if err := c.SaveMessage(ctx, msg("second")); err != nil {
		t.Fatalf("SaveMessage in priority mode: %v", err)
	}
	batch := durable.lastBatch()
	if len(batch) != 2 || batch[0].Text() != "first" || batch[1].Text() != "second" {
		t.Fatalf("recovery batch = %v, want failed message first", batch)
	}

	m = c.Metrics()
	if m.PriorityMode || m.QueueLength != 0 || m.LastFlushError != "" {
		t.Fatalf("metrics after recovery = %+v", m)
	}
}

func TestCoordinatorLowerTierFailureIsAbsorbed(t *testing.T) {
	durable := &fakeLayer{name: "durable", priority: 1}
	arch := &fakeLayer{name: "archive", priority: 2}
	arch.failWith(fmt.Errorf("archive offline"))
	c := New(Config{BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 1}, []Layer{durable, arch})
	ctx := context.Background()

	if err := c.SaveMessage(ctx, msg("kept")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("a priority-2 failure must not fail the flush: %v", err)
	}

	if durable.batchCount() != 1 {
		t.Fatal("critical tier must still receive the batch")
	}
	m := c.Metrics()
	if m.PriorityMode || m.QueueLength != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.LayerFailures["archive"] != 1 {
		t.Fatalf("layer failures = %v", m.LayerFailures)
	}
}

func TestCoordinatorCloseFlushes(t *testing.T) {
	durable := &fakeLayer{name: "durable", priority: 1}
	c := New(Config{BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 1}, []Layer{durable})

	if err := c.SaveMessage(context.Background(), msg("drain me")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if durable.batchCount() != 1 {
		t.Fatal("Close must drain the queue")
	}
}

func TestCoordinatorOrdersLayersByPriority(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	first := &orderedLayer{name: "durable", priority: 1, record: record}
	second := &orderedLayer{name: "archive", priority: 2, record: record}
	third := &orderedLayer{name: "memory", priority: 3, record: record}

	// Registered out of order on purpose.
	c := New(Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 1}, []Layer{third, first, second})
	if err := c.SaveMessage(context.Background(), msg("ordered")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "durable" || order[1] != "archive" || order[2] != "memory" {
		t.Fatalf("write order = %v", order)
	}
}

type orderedLayer struct {
	name     string
	priority int
	record   func(string)
}

func (l *orderedLayer) Name() string  { return l.name }
func (l *orderedLayer) Priority() int { return l.priority }

func (l *orderedLayer) Write(ctx context.Context, messages []conversation.Message) error {
	l.record(l.name)
	return nil
}
