// Package memory layers tiered conversational memory over the recall index.
// Short-term records hold individual messages; long-term rollups hold
// summarised stretches of conversation. Both are scoped to one session.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"nova/internal/domain/conversation"
	"nova/internal/llm"
	"nova/internal/logging"
	"nova/internal/recall"
)

// CachedAnswerPrefix marks a reply served from a long-term rollup instead of
// a fresh generation.
const CachedAnswerPrefix = "[Based on similar past query]\n\n"

// EmptyContext is returned by BuildContext when neither tier has a match.
const EmptyContext = "No relevant past context found."

// Record is one short-term memory entry.
type Record struct {
	Role       string
	Content    string
	Importance float64
	Timestamp  time.Time
	// Priority > 5 embeds immediately instead of joining the batch queue.
	Priority int
}

// Rollup condenses a stretch of conversation into one long-term entry.
type Rollup struct {
	UserQueries string // past user queries joined with ' | '
	Summary     string
	Answer      string // last model reply of the stretch
	Topics      string // comma-joined
	Importance  float64
	CreatedAt   time.Time
}

// SearchHit is one memory search result.
type SearchHit struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]string
}

// BuildOptions controls context assembly.
type BuildOptions struct {
	IncludeShortTerm bool
	IncludeLongTerm  bool
	MaxShortTerm     int
	MaxLongTerm      int
}

// ContextResult is the assembled memory context for a prompt.
type ContextResult struct {
	Context  string
	STMCount int
	LTMCount int
}

// Config tunes a Manager.
type Config struct {
	LTMThreshold    float32
	AnswerThreshold float32
	CacheSize       int
	CacheTTL        time.Duration
	BatchInterval   time.Duration
	Embed           llm.EmbedOptions
}

// DefaultConfig returns the memory defaults.
func DefaultConfig() Config {
	return Config{
		LTMThreshold:    0.65,
		AnswerThreshold: 0.90,
		CacheSize:       200,
		CacheTTL:        time.Hour,
		BatchInterval:   100 * time.Millisecond,
		Embed:           llm.DefaultEmbedOptions(),
	}
}

// Manager owns one session's memory: the embedding cache, the batch queue and
// the two index tiers.
type Manager struct {
	sessionID string
	index     recall.Index
	client    llm.Client
	cfg       Config
	cache     *embeddingCache
	batcher   *embedBatcher
	logger    logging.Logger

	mu       sync.Mutex
	stmCount int
	ltmCount int
}

// NewManager builds a Manager for one session.
func NewManager(sessionID string, index recall.Index, client llm.Client, cfg Config) *Manager {
	if cfg.LTMThreshold == 0 {
		cfg.LTMThreshold = 0.65
	}
	if cfg.AnswerThreshold == 0 {
		cfg.AnswerThreshold = 0.90
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 200
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Manager{
		sessionID: sessionID,
		index:     index,
		client:    client,
		cfg:       cfg,
		cache:     newEmbeddingCache(cfg.CacheSize, cfg.CacheTTL),
		batcher:   newEmbedBatcher(client, cfg.Embed, cfg.BatchInterval),
		logger:    logging.NewComponentLogger("memory"),
	}
}

// Embed returns the embedding for text, serving repeats from the cache.
func (m *Manager) Embed(ctx context.Context, text string, priority int) ([]float32, error) {
	if vec, ok := m.cache.get(text); ok {
		return vec, nil
	}
	var vec []float32
	var err error
	if priority > 5 {
		vec, err = m.batcher.embedNow(ctx, text)
	} else {
		vec, err = m.batcher.embed(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	m.cache.put(text, vec)
	return vec, nil
}

// Save embeds a record and upserts it into the short-term tier.
func (m *Manager) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Content) == "" {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	vec, err := m.Embed(ctx, rec.Content, rec.Priority)
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}

	entry := recall.Entry{
		ID:        fmt.Sprintf("stm_%s_%d_%s", m.sessionID, rec.Timestamp.UnixNano(), rec.Role),
		Content:   rec.Content,
		Embedding: vec,
		Metadata: map[string]string{
			"type":       string(recall.TierShortTerm),
			"sessionId":  m.sessionID,
			"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
			"role":       rec.Role,
			"importance": strconv.FormatFloat(rec.Importance, 'f', 2, 64),
			"content":    rec.Content,
		},
	}
	if err := m.index.Upsert(ctx, []recall.Entry{entry}); err != nil {
		return fmt.Errorf("upsert short-term record: %w", err)
	}

	m.mu.Lock()
	m.stmCount++
	m.mu.Unlock()
	return nil
}

// Search queries the short-term tier. Extra filter pairs are merged into the
// session scope.
func (m *Manager) Search(ctx context.Context, query string, topK int, extra map[string]string) ([]SearchHit, error) {
	filter := map[string]string{
		"type":      string(recall.TierShortTerm),
		"sessionId": m.sessionID,
	}
	for k, v := range extra {
		filter[k] = v
	}
	matches, err := m.index.Query(ctx, query, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("search short-term memory: %w", err)
	}
	return toHits(matches), nil
}

// AddLongTerm embeds a rollup and upserts it into the long-term tier.
func (m *Manager) AddLongTerm(ctx context.Context, rollup Rollup) error {
	if rollup.CreatedAt.IsZero() {
		rollup.CreatedAt = time.Now()
	}
	text := strings.TrimSpace(rollup.UserQueries + " " + rollup.Summary + " " + rollup.Topics)
	if text == "" {
		return nil
	}

	vec, err := m.Embed(ctx, text, 0)
	if err != nil {
		return fmt.Errorf("embed rollup: %w", err)
	}

	created := rollup.CreatedAt.Format(time.RFC3339Nano)
	entry := recall.Entry{
		ID:        fmt.Sprintf("ltm_%s_%d", m.sessionID, rollup.CreatedAt.UnixNano()),
		Content:   rollup.Summary,
		Embedding: vec,
		Metadata: map[string]string{
			"type":         string(recall.TierLongTerm),
			"sessionId":    m.sessionID,
			"userQueries":  rollup.UserQueries,
			"summary":      rollup.Summary,
			"answer":       rollup.Answer,
			"topics":       rollup.Topics,
			"importance":   strconv.FormatFloat(rollup.Importance, 'f', 2, 64),
			"interactions": "0",
			"lastAccessed": created,
			"createdAt":    created,
		},
	}
	if err := m.index.Upsert(ctx, []recall.Entry{entry}); err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}

	m.mu.Lock()
	m.ltmCount++
	m.mu.Unlock()
	return nil
}

// SearchLongTerm queries the long-term tier, keeping only matches at or above
// the similarity threshold.
func (m *Manager) SearchLongTerm(ctx context.Context, query string, topK int) ([]SearchHit, error) {
	matches, err := m.index.Query(ctx, query, topK, map[string]string{
		"type":      string(recall.TierLongTerm),
		"sessionId": m.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("search long-term memory: %w", err)
	}
	var hits []SearchHit
	for _, match := range matches {
		if match.Score < m.cfg.LTMThreshold {
			continue
		}
		hits = append(hits, toHit(match))
	}
	return hits, nil
}

// LookupCachedAnswer checks whether a past rollup answers the query closely
// enough to replay. A hit bumps the rollup's access stats.
func (m *Manager) LookupCachedAnswer(ctx context.Context, query string) (string, bool, error) {
	matches, err := m.index.Query(ctx, query, 1, map[string]string{
		"type":      string(recall.TierLongTerm),
		"sessionId": m.sessionID,
	})
	if err != nil {
		return "", false, fmt.Errorf("cached answer lookup: %w", err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}

	match := matches[0]
	answer := match.Metadata["answer"]
	if match.Score < m.cfg.AnswerThreshold || answer == "" {
		return "", false, nil
	}

	interactions, _ := strconv.Atoi(match.Metadata["interactions"])
	match.Metadata["interactions"] = strconv.Itoa(interactions + 1)
	match.Metadata["lastAccessed"] = time.Now().Format(time.RFC3339Nano)
	if err := m.index.Upsert(ctx, []recall.Entry{match.Entry}); err != nil {
		m.logger.Warn("failed to bump rollup access stats: %v", err)
	}

	return CachedAnswerPrefix + answer, true, nil
}

// BuildContext assembles the memory context for a prompt: long-term matches
// first, then recent short-term snippets, each with a relevance percentage.
func (m *Manager) BuildContext(ctx context.Context, query string, opts BuildOptions) (*ContextResult, error) {
	if opts.MaxShortTerm <= 0 {
		opts.MaxShortTerm = 5
	}
	if opts.MaxLongTerm <= 0 {
		opts.MaxLongTerm = 3
	}

	var ltm, stm []SearchHit
	var err error
	if opts.IncludeLongTerm {
		ltm, err = m.SearchLongTerm(ctx, query, opts.MaxLongTerm)
		if err != nil {
			return nil, err
		}
	}
	if opts.IncludeShortTerm {
		stm, err = m.Search(ctx, query, opts.MaxShortTerm, nil)
		if err != nil {
			return nil, err
		}
	}

	if len(ltm) == 0 && len(stm) == 0 {
		return &ContextResult{Context: EmptyContext}, nil
	}

	var b strings.Builder
	if len(ltm) > 0 {
		b.WriteString("## Relevant long-term memory\n")
		for i, hit := range ltm {
			fmt.Fprintf(&b, "%d. (%d%% relevant) %s", i+1, int(hit.Score*100), hit.Metadata["summary"])
			if topics := hit.Metadata["topics"]; topics != "" {
				fmt.Fprintf(&b, " [topics: %s]", topics)
			}
			b.WriteString("\n")
		}
	}
	if len(stm) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent conversation context\n")
		for i, hit := range stm {
			fmt.Fprintf(&b, "%d. (%d%% relevant) %s\n", i+1, int(hit.Score*100), truncate(hit.Content, 300))
		}
	}

	return &ContextResult{
		Context:  strings.TrimRight(b.String(), "\n"),
		STMCount: len(stm),
		LTMCount: len(ltm),
	}, nil
}

// SummarizeConversation asks the model for a short summary of the last 10
// messages.
func (m *Manager) SummarizeConversation(ctx context.Context, messages []conversation.Message) (string, error) {
	if len(messages) > 10 {
		messages = messages[len(messages)-10:]
	}
	if len(messages) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Text())
	}

	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: "You summarise conversations. Reply with a 2-3 sentence summary of the exchange, nothing else."},
		{Role: llm.ChatRoleUser, Content: transcript.String()},
	}
	result, err := m.client.GenerateWithTools(ctx, history, nil, llm.GenerateOptions{}, nil)
	if err != nil {
		return "", fmt.Errorf("summarise conversation: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// ExtractTopics asks the model for the main topics of a text, at most five.
func (m *Manager) ExtractTopics(ctx context.Context, text string) ([]string, error) {
	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: "Extract 3-5 topics from the text. Reply with a comma-separated list only."},
		{Role: llm.ChatRoleUser, Content: text},
	}
	result, err := m.client.GenerateWithTools(ctx, history, nil, llm.GenerateOptions{}, nil)
	if err != nil {
		return nil, fmt.Errorf("extract topics: %w", err)
	}

	var topics []string
	for _, part := range strings.Split(result.Text, ",") {
		topic := strings.TrimSpace(part)
		if topic == "" {
			continue
		}
		topics = append(topics, topic)
		if len(topics) == 5 {
			break
		}
	}
	return topics, nil
}

// Stats reports how many entries this session holds per tier.
func (m *Manager) Stats() (shortTerm, longTerm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stmCount, m.ltmCount
}

// Clear removes every entry of this session from both tiers.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.index.DeleteWhere(ctx, map[string]string{"sessionId": m.sessionID}); err != nil {
		return fmt.Errorf("clear session memory: %w", err)
	}
	m.mu.Lock()
	m.stmCount = 0
	m.ltmCount = 0
	m.mu.Unlock()
	return nil
}

var importanceKeywords = []string{
	"error", "bug", "fix", "solution", "problem", "deploy", "production",
	"critical", "important", "api", "database", "configuration", "setup",
}

// ScoreImportance rates a rollup in [0.5, 1.0] from its summary length,
// topic count and keyword density.
func ScoreImportance(summary string, topics []string) float64 {
	score := 0.5
	switch {
	case len(summary) > 500:
		score += 0.2
	case len(summary) > 200:
		score += 0.1
	}

	topicBonus := 0.05 * float64(len(topics))
	if topicBonus > 0.2 {
		topicBonus = 0.2
	}
	score += topicBonus

	lower := strings.ToLower(summary + " " + strings.Join(topics, " "))
	keywordBonus := 0.0
	for _, kw := range importanceKeywords {
		if strings.Contains(lower, kw) {
			keywordBonus += 0.05
		}
	}
	if keywordBonus > 0.15 {
		keywordBonus = 0.15
	}
	score += keywordBonus

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func toHits(matches []recall.Match) []SearchHit {
	hits := make([]SearchHit, 0, len(matches))
	for _, match := range matches {
		hits = append(hits, toHit(match))
	}
	return hits
}

func toHit(match recall.Match) SearchHit {
	return SearchHit{
		ID:       match.ID,
		Score:    match.Score,
		Content:  match.Content,
		Metadata: match.Metadata,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
