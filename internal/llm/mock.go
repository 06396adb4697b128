package llm

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockResponse scripts one GenerateWithTools outcome.
type MockResponse struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// MockClient is a scripted Client for tests. Responses are consumed in FIFO
// order; when the script is exhausted the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []MockCall
	embedDim  int
	embedFn   func(text string) []float32
}

// MockCall records the inputs of one GenerateWithTools invocation.
type MockCall struct {
	History []ChatMessage
	Tools   []ToolDef
	Opts    GenerateOptions
}

// NewMockClient builds a mock with the given script.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses, embedDim: 8}
}

// Enqueue appends responses to the script.
func (m *MockClient) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// SetEmbedFunc overrides the deterministic embedding used by EmbedBatch.
func (m *MockClient) SetEmbedFunc(fn func(text string) []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedFn = fn
}

// Calls returns the recorded GenerateWithTools invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of GenerateWithTools invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) GenerateWithTools(ctx context.Context, history []ChatMessage, tools []ToolDef, opts GenerateOptions, onChunk ChunkFunc) (*GenerateResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{History: history, Tools: tools, Opts: opts})
	var resp MockResponse
	switch {
	case len(m.responses) == 0:
		resp = MockResponse{Text: "ok"}
	case len(m.responses) == 1:
		resp = m.responses[0]
	default:
		resp = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	if opts.Stream && onChunk != nil && resp.Text != "" {
		onChunk(resp.Text)
	}
	return &GenerateResult{Text: resp.Text, ToolCalls: resp.ToolCalls}, nil
}

// EmbedBatch returns deterministic unit vectors so identical texts embed
// identically across calls.
func (m *MockClient) EmbedBatch(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	m.mu.Lock()
	fn := m.embedFn
	dim := m.embedDim
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if fn != nil {
			out[i] = fn(text)
			continue
		}
		out[i] = DeterministicEmbedding(text, dim)
	}
	return out, nil
}

// DeterministicEmbedding hashes text into a stable unit vector of the given
// dimension. Equal texts map to equal vectors; unrelated texts are very
// unlikely to collide.
func DeterministicEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 8
	}
	v := make([]float32, dim)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>20)%1000) / 1000
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}
