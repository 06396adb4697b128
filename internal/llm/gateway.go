package llm

import (
	"context"
	goerrors "errors"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	novaerrors "nova/internal/errors"
	"nova/internal/logging"
)

// GatewayConfig configures the resilient gateway around a provider client.
type GatewayConfig struct {
	Model       string
	EmbedModel  string
	Temperature float64
	Deadline    time.Duration // per-call deadline (default 60s)
	Retry       novaerrors.RetryConfig
	Breaker     novaerrors.CircuitBreakerConfig
	Embed       EmbedOptions
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Deadline: 60 * time.Second,
		Retry:    novaerrors.DefaultRetryConfig(),
		Breaker:  novaerrors.DefaultCircuitBreakerConfig(),
		Embed:    DefaultEmbedOptions(),
	}
}

// Gateway wraps a provider client with bounded retry, a circuit breaker and a
// per-call deadline. It implements Client so downstream components (memory,
// planner, worker) cannot bypass the resilience layer.
type Gateway struct {
	client  Client
	config  GatewayConfig
	breaker *novaerrors.CircuitBreaker
	logger  logging.Logger
	tracer  trace.Tracer
}

// NewGateway wraps client with the configured resilience policies.
func NewGateway(client Client, config GatewayConfig) *Gateway {
	if config.Deadline <= 0 {
		config.Deadline = 60 * time.Second
	}
	if config.Embed.BatchSize <= 0 {
		config.Embed.BatchSize = 16
	}
	return &Gateway{
		client:  client,
		config:  config,
		breaker: novaerrors.NewCircuitBreaker("model-gateway", config.Breaker),
		logger:  logging.NewComponentLogger("model-gateway"),
		tracer:  otel.Tracer("nova/llm"),
	}
}

// GenerateWithTools runs a generation call under retry, breaker and deadline.
// A streaming call that has already emitted chunks is not retried; the
// partial stream would otherwise be replayed to the client.
func (g *Gateway) GenerateWithTools(ctx context.Context, history []ChatMessage, tools []ToolDef, opts GenerateOptions, onChunk ChunkFunc) (*GenerateResult, error) {
	if opts.Model == "" {
		opts.Model = g.config.Model
	}
	if opts.Temperature == 0 {
		opts.Temperature = g.config.Temperature
	}

	ctx, span := g.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("model", opts.Model),
		attribute.Bool("stream", opts.Stream),
		attribute.Int("history_len", len(history)),
		attribute.Int("tool_defs", len(tools)),
	))
	defer span.End()

	chunkEmitted := false
	wrappedChunk := onChunk
	if onChunk != nil {
		wrappedChunk = func(delta string) {
			chunkEmitted = true
			onChunk(delta)
		}
	}

	result, err := novaerrors.RetryWithResultAndLog(ctx, g.config.Retry, func(ctx context.Context) (*GenerateResult, error) {
		if chunkEmitted {
			return nil, novaerrors.Newf(novaerrors.KindProvider, "stream aborted after partial output")
		}
		return novaerrors.Execute(g.breaker, ctx, func(ctx context.Context) (*GenerateResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.config.Deadline)
			defer cancel()
			res, err := g.client.GenerateWithTools(callCtx, history, tools, opts, wrappedChunk)
			if err != nil {
				return nil, g.classify(callCtx, err)
			}
			return res, nil
		})
	}, g.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, novaerrors.KindOf(err).String())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("response_chars", len(result.Text)),
		attribute.Int("tool_calls", len(result.ToolCalls)),
	)
	return result, nil
}

// EmbedText embeds a single text.
func (g *Gateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text}, g.config.Embed)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in groups of at most opts.BatchSize, preserving
// input order in the output. Vectors are unit-normalised when opts.Normalize
// is set; zero vectors are returned as-is.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if opts.Model == "" {
		opts.Model = g.config.EmbedModel
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = g.config.Embed.BatchSize
	}

	ctx, span := g.tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		attribute.String("model", opts.Model),
		attribute.Int("texts", len(texts)),
	))
	defer span.End()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		group := texts[start:end]

		vectors, err := novaerrors.RetryWithResultAndLog(ctx, g.config.Retry, func(ctx context.Context) ([][]float32, error) {
			return novaerrors.Execute(g.breaker, ctx, func(ctx context.Context) ([][]float32, error) {
				callCtx, cancel := context.WithTimeout(ctx, g.config.Deadline)
				defer cancel()
				vs, err := g.client.EmbedBatch(callCtx, group, opts)
				if err != nil {
					return nil, g.classify(callCtx, err)
				}
				return vs, nil
			})
		}, g.logger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, novaerrors.KindOf(err).String())
			return nil, err
		}

		for _, v := range vectors {
			if opts.Normalize {
				v = Normalize(v)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// classify tags provider failures with a Kind so retry decisions and client
// error frames are consistent.
func (g *Gateway) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return novaerrors.New(novaerrors.KindTimeout, err)
	}
	var ke *novaerrors.Error
	if goerrors.As(err, &ke) {
		return err
	}
	if novaerrors.IsTransient(err) {
		return novaerrors.New(novaerrors.KindUnavailable, err)
	}
	return novaerrors.New(novaerrors.KindProvider, err)
}

// BreakerMetrics exposes the circuit breaker snapshot for diagnostics.
func (g *Gateway) BreakerMetrics() novaerrors.CircuitBreakerMetrics {
	return g.breaker.Metrics()
}

// Normalize scales v to unit Euclidean norm. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
