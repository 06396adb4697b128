package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	novaerrors "nova/internal/errors"
	"nova/internal/logging"
)

// ClientConfig configures the OpenAI-compatible provider client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
	Timeout time.Duration
}

// openaiClient speaks the OpenAI-compatible chat completions and embeddings
// APIs. One attempt per call; the Gateway layers retry on top.
type openaiClient struct {
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs a provider client from config.
func NewOpenAIClient(config ClientConfig) Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		headers:    config.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm-openai"),
	}
}

func (c *openaiClient) GenerateWithTools(ctx context.Context, history []ChatMessage, tools []ToolDef, opts GenerateOptions, onChunk ChunkFunc) (*GenerateResult, error) {
	payload := map[string]any{
		"model":       opts.Model,
		"messages":    c.convertMessages(history, opts.Files),
		"temperature": opts.Temperature,
		"stream":      opts.Stream,
	}
	if len(tools) > 0 {
		payload["tools"] = c.convertTools(tools)
		payload["tool_choice"] = "auto"
	}
	if opts.ReasoningBudget > 0 {
		payload["reasoning"] = map[string]any{"max_tokens": opts.ReasoningBudget}
	}
	if opts.Native.WebSearch {
		payload["web_search_options"] = map[string]any{}
	}
	if opts.Native.CodeExecution {
		payload["code_interpreter"] = map[string]any{"enabled": true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapHTTPError(resp)
	}

	if opts.Stream {
		return c.consumeStream(resp.Body, onChunk)
	}
	return c.parseCompletion(resp.Body)
}

func (c *openaiClient) EmbedBatch(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	payload := map[string]any{
		"model": opts.Model,
		"input": texts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapHTTPError(resp)
	}

	var apiResp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, novaerrors.Newf(novaerrors.KindProtocol, "decode embeddings response: %v", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, novaerrors.Newf(novaerrors.KindProtocol,
			"embeddings response has %d vectors for %d inputs", len(apiResp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, novaerrors.Newf(novaerrors.KindProtocol, "embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (c *openaiClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, novaerrors.New(novaerrors.KindTimeout, ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

func (c *openaiClient) mapHTTPError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	kind := novaerrors.ClassifyHTTPStatus(resp.StatusCode)
	c.logger.Debug("provider returned %d: %s", resp.StatusCode, string(respBody))
	return novaerrors.Newf(kind, "provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// convertMessages maps history to the wire format, attaching files to the
// last user message as inline data URIs.
func (c *openaiClient) convertMessages(history []ChatMessage, files []FileRef) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	lastUser := -1
	for i, msg := range history {
		if msg.Role == ChatRoleUser {
			lastUser = i
		}
	}

	for i, msg := range history {
		entry := map[string]any{"role": string(msg.Role)}

		if i == lastUser && len(files) > 0 {
			parts := []map[string]any{{"type": "text", "text": msg.Content}}
			for _, f := range files {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", f.MimeType, f.Data),
					},
				})
			}
			entry["content"] = parts
		} else {
			entry["content"] = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func (c *openaiClient) convertTools(tools []ToolDef) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *openaiClient) parseCompletion(body io.Reader) (*GenerateResult, error) {
	var apiResp struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
		return nil, novaerrors.Newf(novaerrors.KindProtocol, "decode completion response: %v", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, novaerrors.Newf(novaerrors.KindProtocol, "completion response has no choices")
	}

	msg := apiResp.Choices[0].Message
	result := &GenerateResult{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// consumeStream reads an SSE stream, forwarding content deltas and
// accumulating tool calls by index so the final order matches the response.
func (c *openaiClient) consumeStream(body io.Reader, onChunk ChunkFunc) (*GenerateResult, error) {
	type toolCallDelta struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content   string          `json:"content"`
				ToolCalls []toolCallDelta `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	type toolAccumulator struct {
		id   string
		name string
		args strings.Builder
	}

	accumulators := make(map[int]*toolAccumulator)
	var text strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, novaerrors.Newf(novaerrors.KindProtocol, "decode stream chunk: %v", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result := &GenerateResult{Text: text.String()}
	indices := make([]int, 0, len(accumulators))
	for idx := range accumulators {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		acc := accumulators[idx]
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.args.String(),
		})
	}
	return result, nil
}
