package memory

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"nova/internal/llm"
)

func TestBatcherFlushesAtBatchSize(t *testing.T) {
	client := llm.NewMockClient()
	opts := llm.DefaultEmbedOptions()
	opts.BatchSize = 2
	// A long interval so only the size trigger can release the batch.
	b := newEmbedBatcher(client, opts, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([][]float32, 2)
	errs := make([]error, 2)
	texts := []string{"first text", "second text"}
	for i := range texts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.embed(ctx, texts[i])
		}(i)
	}
	wg.Wait()

	for i := range texts {
		if errs[i] != nil {
			t.Fatalf("embed(%q): %v", texts[i], errs[i])
		}
		want := llm.DeterministicEmbedding(texts[i], 8)
		if !reflect.DeepEqual(results[i], want) {
			t.Fatalf("embed(%q) returned the wrong vector", texts[i])
		}
	}
}

func TestBatcherTimerFlush(t *testing.T) {
	client := llm.NewMockClient()
	opts := llm.DefaultEmbedOptions()
	opts.BatchSize = 16
	b := newEmbedBatcher(client, opts, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vec, err := b.embed(ctx, "lonely request")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if !reflect.DeepEqual(vec, llm.DeterministicEmbedding("lonely request", 8)) {
		t.Fatal("timer flush returned the wrong vector")
	}
}

func TestBatcherEmbedNowBypassesQueue(t *testing.T) {
	client := llm.NewMockClient()
	opts := llm.DefaultEmbedOptions()
	opts.BatchSize = 16
	b := newEmbedBatcher(client, opts, time.Hour)

	vec, err := b.embedNow(context.Background(), "urgent")
	if err != nil {
		t.Fatalf("embedNow: %v", err)
	}
	if !reflect.DeepEqual(vec, llm.DeterministicEmbedding("urgent", 8)) {
		t.Fatal("embedNow returned the wrong vector")
	}
}

func TestBatcherHonoursContext(t *testing.T) {
	client := llm.NewMockClient()
	opts := llm.DefaultEmbedOptions()
	opts.BatchSize = 16
	b := newEmbedBatcher(client, opts, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.embed(ctx, "never released"); err != context.Canceled {
		t.Fatalf("embed with cancelled ctx = %v, want context.Canceled", err)
	}
}
