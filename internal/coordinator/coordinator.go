// Package coordinator fans persisted messages out across the storage tiers.
// Tiers are ordered by priority: 1 durable log, 2 archive, 3 memory. Only a
// priority-1 failure reaches the caller; lower tiers log and continue.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nova/internal/domain/conversation"
	"nova/internal/errors"
	"nova/internal/logging"
)

// Layer is one storage tier.
type Layer interface {
	Name() string
	// Priority orders tiers; 1 is the critical tier.
	Priority() int
	Write(ctx context.Context, messages []conversation.Message) error
}

// Config tunes the coordinator queue.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
	}
}

// Metrics is a point-in-time snapshot for diagnostics.
type Metrics struct {
	QueueLength    int            `json:"queueLength"`
	Enqueued       uint64         `json:"enqueued"`
	Flushes        uint64         `json:"flushes"`
	FlushFailures  uint64         `json:"flushFailures"`
	LayerFailures  map[string]int `json:"layerFailures"`
	PriorityMode   bool           `json:"priorityMode"`
	LastFlushError string         `json:"lastFlushError,omitempty"`
}

// Coordinator owns one session's write queue.
type Coordinator struct {
	cfg    Config
	layers []Layer // ascending priority
	logger logging.Logger

	mu           sync.Mutex
	queue        []conversation.Message
	timer        *time.Timer
	flushing     bool
	priorityMode bool

	enqueued      uint64
	flushes       uint64
	flushFailures uint64
	layerFailures map[string]int
	lastFlushErr  string
}

// New builds a coordinator over the given layers.
func New(cfg Config, layers []Layer) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	sorted := make([]Layer, len(layers))
	copy(sorted, layers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	return &Coordinator{
		cfg:           cfg,
		layers:        sorted,
		logger:        logging.NewComponentLogger("coordinator"),
		layerFailures: make(map[string]int),
	}
}

// SaveMessage enqueues a message. When the queue reaches the batch size, or
// the coordinator is recovering from a critical-tier failure, the flush runs
// inline and its error is returned. Otherwise a single timer is armed and the
// call returns immediately.
func (c *Coordinator) SaveMessage(ctx context.Context, msg conversation.Message) error {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.enqueued++
	queueEnqueued.Inc()
	queueLength.Inc()

	if len(c.queue) >= c.cfg.BatchSize || c.priorityMode {
		c.mu.Unlock()
		return c.Flush(ctx)
	}

	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.FlushInterval, func() {
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Error("timed flush failed: %v", err)
			}
		})
	}
	c.mu.Unlock()
	return nil
}

// Flush drains the queue through every layer in priority order. At most one
// flush runs at a time; messages enqueued during a flush wait for the next.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing || len(c.queue) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	batch := c.queue
	c.queue = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	queueLength.Sub(float64(len(batch)))
	c.mu.Unlock()

	err := c.writeBatch(ctx, batch)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushing = false
	c.flushes++
	flushTotal.Inc()

	if err != nil {
		c.flushFailures++
		c.lastFlushErr = err.Error()
		c.priorityMode = true
		flushFailures.Inc()
		// Failed messages go back in front of anything enqueued meanwhile.
		c.queue = append(batch, c.queue...)
		queueLength.Add(float64(len(batch)))
		return err
	}

	c.lastFlushErr = ""
	c.priorityMode = false
	return nil
}

func (c *Coordinator) writeBatch(ctx context.Context, batch []conversation.Message) error {
	for _, layer := range c.layers {
		if layer.Priority() == 1 {
			retryCfg := errors.DefaultRetryConfig()
			retryCfg.MaxAttempts = c.cfg.MaxRetries
			_, err := errors.RetryWithResultAndLog(ctx, retryCfg, func(ctx context.Context) (struct{}, error) {
				if werr := layer.Write(ctx, batch); werr != nil {
					// Rejected writes on the critical tier are retried.
					return struct{}{}, errors.New(errors.KindUnavailable, werr)
				}
				return struct{}{}, nil
			}, c.logger)
			if err != nil {
				c.recordLayerFailure(layer.Name())
				return errors.New(errors.KindPersistence, err).
					WithMessage(fmt.Sprintf("critical tier %s failed after %d attempts", layer.Name(), c.cfg.MaxRetries))
			}
			continue
		}

		if err := layer.Write(ctx, batch); err != nil {
			c.recordLayerFailure(layer.Name())
			c.logger.Warn("tier %s failed for batch of %d, continuing: %v", layer.Name(), len(batch), err)
		}
	}
	return nil
}

func (c *Coordinator) recordLayerFailure(name string) {
	c.mu.Lock()
	c.layerFailures[name]++
	c.mu.Unlock()
	layerFailures.WithLabelValues(name).Inc()
}

// Metrics returns a snapshot for the status endpoint.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := make(map[string]int, len(c.layerFailures))
	for k, v := range c.layerFailures {
		failures[k] = v
	}
	return Metrics{
		QueueLength:    len(c.queue),
		Enqueued:       c.enqueued,
		Flushes:        c.flushes,
		FlushFailures:  c.flushFailures,
		LayerFailures:  failures,
		PriorityMode:   c.priorityMode,
		LastFlushError: c.lastFlushErr,
	}
}

// Close flushes anything still queued.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.Flush(ctx)
}
