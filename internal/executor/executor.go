// Package executor is the single entry point for a user turn. It owns the
// per-session critical section: at most one message is processed at a time,
// and everything a turn touches (storage fan-out, memory, the task board)
// happens under that guarantee.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"nova/internal/coordinator"
	"nova/internal/domain/conversation"
	"nova/internal/domain/task"
	"nova/internal/durable"
	"nova/internal/errors"
	"nova/internal/llm"
	"nova/internal/logging"
	"nova/internal/memory"
	"nova/internal/orchestrator"
	"nova/internal/planner"
	"nova/internal/tools"
)

// ErrBusy is returned when a turn arrives while another is in flight.
var ErrBusy = errors.Newf(errors.KindLogic, "session is busy processing another message")

// Emitter receives the turn's streamed output. The transport implements it.
type Emitter interface {
	Status(message string)
	Chunk(content string)
	ToolUse(names []string)
	PlanCreated(taskCount, checkpoints int, summary string)
	TaskProgress(message, taskID string)
	TaskCompleted(taskID, taskName, preview string)
	TaskFailed(taskID, errMsg string, willRetry bool)
	Checkpoint(message string, checkpointTask *task.Task)
	Complete(response string)
	Error(errMsg string)
}

// Config tunes the session executor.
type Config struct {
	Model              string
	Temperature        float64
	MaxTurns           int           // direct-loop bound, default 10
	MaxHistoryMessages int           // default 20
	HistoryTokenBudget int           // 0 = unlimited
	ToolTimeout        time.Duration // default 30s
	RollupInterval     int           // model replies between rollups, default 10
	ReplayDelay        time.Duration // cached-answer word pacing, default 10ms
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:        0.7,
		MaxTurns:           10,
		MaxHistoryMessages: 20,
		HistoryTokenBudget: 8000,
		ToolTimeout:        30 * time.Second,
		RollupInterval:     10,
		ReplayDelay:        10 * time.Millisecond,
	}
}

var continueWords = []string{"continue", "yes", "proceed", "go ahead", "keep going", "resume"}
var cancelWords = []string{"cancel", "stop", "abort", "abandon", "no thanks"}

// Session hosts one conversation's execution context.
type Session struct {
	id           string
	client       llm.Client
	coordinator  *coordinator.Coordinator
	memory       *memory.Manager
	planner      *planner.Planner
	orchestrator *orchestrator.Orchestrator
	registry     *tools.Registry
	log          durable.Log
	cfg          Config
	logger       logging.Logger

	mu            sync.Mutex
	busy          bool
	rollupCounter int
	emitter       Emitter
}

// NewSession wires a session executor. The orchestrator's event stream is
// forwarded to whichever emitter is active when the event fires.
func NewSession(id string, client llm.Client, coord *coordinator.Coordinator, mem *memory.Manager,
	pl *planner.Planner, orch *orchestrator.Orchestrator, registry *tools.Registry,
	log durable.Log, cfg Config) *Session {

	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 20
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = 10
	}
	if cfg.ReplayDelay <= 0 {
		cfg.ReplayDelay = 10 * time.Millisecond
	}

	s := &Session{
		id:           id,
		client:       client,
		coordinator:  coord,
		memory:       mem,
		planner:      pl,
		orchestrator: orch,
		registry:     registry,
		log:          log,
		cfg:          cfg,
		logger:       logging.NewComponentLogger("executor"),
	}
	orch.OnEvent(s.forwardEvent)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Orchestrator exposes the board state machine for the admin surface.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Memory exposes the memory manager for the admin surface.
func (s *Session) Memory() *memory.Manager { return s.memory }

// Coordinator exposes the write queue for the admin surface.
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coordinator }

func (s *Session) acquire(em Emitter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.emitter = em
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.emitter = nil
	s.mu.Unlock()
}

func (s *Session) currentEmitter() Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitter
}

// forwardEvent translates orchestrator events into transport frames.
func (s *Session) forwardEvent(event orchestrator.Event) {
	em := s.currentEmitter()
	if em == nil {
		return
	}
	switch event.Type {
	case orchestrator.EventPlanCreated:
		board := event.Board
		em.PlanCreated(len(board.Tasks), board.TotalCheckpoints, event.Message)
	case orchestrator.EventTaskStarted:
		em.Status(fmt.Sprintf("Starting: %s", event.Task.Name))
	case orchestrator.EventTaskProgress:
		em.TaskProgress(event.Message, event.Task.ID)
	case orchestrator.EventTaskCompleted:
		em.TaskCompleted(event.Task.ID, event.Task.Name, preview(event.Task.Result))
	case orchestrator.EventTaskFailed:
		em.TaskFailed(event.Task.ID, event.Message, event.WillRetry)
	case orchestrator.EventReplanTriggered:
		em.Status("Adjusting the plan...")
	}
}

// preview shortens a task result for the progress stream.
func preview(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}

// HandleMessage processes one user turn end to end.
func (s *Session) HandleMessage(ctx context.Context, content string, files []llm.FileRef, em Emitter) error {
	if !s.acquire(em) {
		return ErrBusy
	}
	defer s.release()

	userMsg := conversation.NewText(s.id, conversation.RoleUser, content)
	if err := s.coordinator.SaveMessage(ctx, userMsg); err != nil {
		return err
	}

	if answer, hit, err := s.memory.LookupCachedAnswer(ctx, content); err != nil {
		s.logger.Warn("cached answer lookup failed: %v", err)
	} else if hit {
		s.replay(ctx, answer, em)
		if err := s.persistModelReply(ctx, answer); err != nil {
			return err
		}
		em.Complete(answer)
		return nil
	}

	memCtx, err := s.memory.BuildContext(ctx, content, memory.BuildOptions{
		IncludeShortTerm: true,
		IncludeLongTerm:  true,
	})
	if err != nil {
		s.logger.Warn("memory context failed, continuing without: %v", err)
		memCtx = &memory.ContextResult{Context: memory.EmptyContext}
	}

	board, err := s.orchestrator.Board(ctx)
	if err != nil {
		return err
	}
	if board != nil && !board.Status.IsTerminal() {
		return s.handleBoardFeedback(ctx, content, em)
	}

	assessment := s.planner.Assess(ctx, content)
	complex := assessment.IsComplex &&
		assessment.SuggestedApproach == "planned" &&
		assessment.EstimatedTasks >= 3

	if complex {
		return s.runPlanned(ctx, content, memCtx.Context, em)
	}
	return s.runDirect(ctx, content, files, memCtx.Context, em)
}

// replay streams a cached answer word by word so the client sees the same
// cadence as a live generation. Splitting after spaces keeps every byte of
// the original text, newlines included, so the joined chunks reproduce the
// cached answer exactly.
func (s *Session) replay(ctx context.Context, answer string, em Emitter) {
	for _, word := range strings.SplitAfter(answer, " ") {
		if word == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReplayDelay):
		}
		em.Chunk(word)
	}
}

// handleBoardFeedback interprets a message while a board is active: approval
// resumes the checkpoint, a cancel word abandons, anything else asks the user
// to pick.
func (s *Session) handleBoardFeedback(ctx context.Context, content string, em Emitter) error {
	lowered := strings.ToLower(strings.TrimSpace(content))

	if matchesAny(lowered, cancelWords) {
		if err := s.orchestrator.Abandon(ctx); err != nil {
			return err
		}
		reply := "Task abandoned. What would you like to do next?"
		if err := s.persistModelReply(ctx, reply); err != nil {
			return err
		}
		em.Complete(reply)
		return nil
	}

	if matchesAny(lowered, continueWords) {
		result, err := s.orchestrator.ResumeFromCheckpoint(ctx, content, true)
		if err != nil {
			if errors.Is(err, errors.KindLogic) {
				em.Error(err.Error())
				return nil
			}
			return err
		}
		return s.finishBoardRun(ctx, result, em)
	}

	reply := "There is a task in progress. Say \"continue\" to keep going, \"cancel\" to abandon it, or rephrase what you want instead."
	if err := s.persistModelReply(ctx, reply); err != nil {
		return err
	}
	em.Complete(reply)
	return nil
}

// ResumeCheckpoint resolves a paused checkpoint on behalf of the transport.
// It runs under the same single-writer guard as a message turn, streams
// board events through em and persists the final output like any other
// reply.
func (s *Session) ResumeCheckpoint(ctx context.Context, feedback string, approved bool, em Emitter) (*orchestrator.Result, error) {
	if !s.acquire(em) {
		return nil, ErrBusy
	}
	defer s.release()

	result, err := s.orchestrator.ResumeFromCheckpoint(ctx, feedback, approved)
	if err != nil {
		return nil, err
	}
	if err := s.finishBoardRun(ctx, result, em); err != nil {
		return nil, err
	}
	return result, nil
}

func matchesAny(msg string, words []string) bool {
	for _, w := range words {
		if msg == w || strings.HasPrefix(msg, w+" ") || strings.HasPrefix(msg, w+",") || strings.HasPrefix(msg, w+".") {
			return true
		}
	}
	return false
}

// runPlanned drives the orchestrator for a complex objective.
func (s *Session) runPlanned(ctx context.Context, content, memoryContext string, em Emitter) error {
	em.Status("This looks involved. Planning the work...")

	if _, err := s.orchestrator.CreatePlan(ctx, content, content, memoryContext); err != nil {
		s.logger.Warn("planning failed, falling back to direct answer: %v", err)
		return s.runDirect(ctx, content, nil, memoryContext, em)
	}

	result, err := s.orchestrator.ExecuteUntilCheckpoint(ctx)
	if err != nil {
		return err
	}
	return s.finishBoardRun(ctx, result, em)
}

// finishBoardRun surfaces an execution result. A checkpoint pauses the turn
// without persisting any partial reply.
func (s *Session) finishBoardRun(ctx context.Context, result *orchestrator.Result, em Emitter) error {
	switch result.Status {
	case orchestrator.StatusCheckpoint:
		t := result.CheckpointTask
		em.Checkpoint(t.CheckpointMessage, t)
		return nil
	case orchestrator.StatusCompleted:
		if err := s.persistModelReply(ctx, result.FinalOutput); err != nil {
			return err
		}
		em.Complete(result.FinalOutput)
		return nil
	default:
		em.Error(result.Message)
		return nil
	}
}

// runDirect is the simple path: a bounded reason-act loop with external
// tools executed in parallel between turns.
func (s *Session) runDirect(ctx context.Context, content string, files []llm.FileRef, memoryContext string, em Emitter) error {
	history := s.buildHistory(ctx, content)
	opts := llm.GenerateOptions{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		Stream:      true,
		Files:       files,
	}
	system := s.systemPrompt(memoryContext, len(files) > 0)
	history = append([]llm.ChatMessage{{Role: llm.ChatRoleSystem, Content: system}}, history...)

	defs := s.registry.Definitions()
	var final string

	for turn := 1; turn <= s.cfg.MaxTurns; turn++ {
		result, err := s.client.GenerateWithTools(ctx, history, defs, opts, em.Chunk)
		if err != nil {
			em.Error(userFacing(err))
			return err
		}

		if len(result.ToolCalls) == 0 {
			final = result.Text
			break
		}

		names := make([]string, len(result.ToolCalls))
		for i, call := range result.ToolCalls {
			names[i] = call.Name
		}
		em.ToolUse(names)

		observations := s.executeTools(ctx, result.ToolCalls)
		history = append(history,
			llm.ChatMessage{Role: llm.ChatRoleAssistant, Content: result.Text, ToolCalls: result.ToolCalls},
			llm.ChatMessage{Role: llm.ChatRoleUser, Content: strings.Join(observations, "\n\n")},
		)
		// Attachments only accompany the first turn.
		opts.Files = nil
		final = result.Text
	}

	if err := s.persistModelReply(ctx, final); err != nil {
		return err
	}
	em.Complete(final)
	return nil
}

func (s *Session) buildHistory(ctx context.Context, content string) []llm.ChatMessage {
	stored, err := s.log.Replay(ctx, s.id, s.cfg.MaxHistoryMessages*2)
	if err != nil {
		s.logger.Warn("history replay failed, using the current message only: %v", err)
		stored = nil
	}
	history := formatHistory(stored, s.cfg.MaxHistoryMessages, s.cfg.HistoryTokenBudget)

	// The current message may not have flushed to the log yet.
	if n := len(history); n == 0 || history[n-1].Role != llm.ChatRoleUser || history[n-1].Content != content {
		history = append(history, llm.ChatMessage{Role: llm.ChatRoleUser, Content: content})
	}
	return history
}

func (s *Session) systemPrompt(memoryContext string, hasFiles bool) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant with persistent memory of this conversation.\n\n")
	b.WriteString("Memory:\n")
	b.WriteString(memoryContext)
	b.WriteString("\n")

	if names := s.registry.Names(); len(names) > 0 {
		b.WriteString("\nAvailable tools: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
	if hasFiles {
		b.WriteString("\nThe user attached files to this message; they are included in the conversation.\n")
	}
	return b.String()
}

// executeTools runs the calls in parallel, each under its own deadline, and
// renders one observation line per call in call order.
func (s *Session) executeTools(ctx context.Context, calls []llm.ToolCall) []string {
	observations := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		g.Go(func() error {
			toolCtx, cancel := context.WithTimeout(gctx, s.cfg.ToolTimeout)
			defer cancel()

			output, err := s.runTool(toolCtx, call)
			if err != nil {
				observations[i] = fmt.Sprintf("[Observation: %s] ❌ %v", call.Name, err)
			} else {
				observations[i] = fmt.Sprintf("[Observation: %s] ✅ %s", call.Name, output)
			}
			return nil
		})
	}
	_ = g.Wait()
	return observations
}

func (s *Session) runTool(ctx context.Context, call llm.ToolCall) (string, error) {
	tool, err := s.registry.Get(call.Name)
	if err != nil {
		return "", err
	}
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	return tool.Execute(ctx, args)
}

// decodeArguments parses a tool call's raw JSON arguments, repairing mildly
// malformed payloads before giving up.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fixed), &args); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// persistModelReply saves the reply through the fan-out and advances the
// rollup counter, writing a long-term rollup at every interval.
func (s *Session) persistModelReply(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	msg := conversation.NewText(s.id, conversation.RoleModel, text)
	if err := s.coordinator.SaveMessage(ctx, msg); err != nil {
		return err
	}

	s.mu.Lock()
	s.rollupCounter++
	due := s.rollupCounter >= s.cfg.RollupInterval
	if due {
		s.rollupCounter = 0
	}
	s.mu.Unlock()

	if due {
		if err := s.createRollup(ctx); err != nil {
			s.logger.Warn("rollup failed: %v", err)
		}
	}
	return nil
}

// createRollup condenses the recent conversation into one long-term memory.
func (s *Session) createRollup(ctx context.Context) error {
	recent, err := s.log.Replay(ctx, s.id, s.cfg.RollupInterval*2)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	summary, err := s.memory.SummarizeConversation(ctx, recent)
	if err != nil {
		return err
	}
	topics, err := s.memory.ExtractTopics(ctx, summary)
	if err != nil {
		s.logger.Debug("topic extraction failed: %v", err)
		topics = nil
	}

	var queries []string
	var lastAnswer string
	for _, msg := range recent {
		switch msg.Role {
		case conversation.RoleUser:
			queries = append(queries, msg.Text())
		case conversation.RoleModel:
			lastAnswer = msg.Text()
		}
	}

	return s.memory.AddLongTerm(ctx, memory.Rollup{
		UserQueries: strings.Join(queries, " | "),
		Summary:     summary,
		Answer:      lastAnswer,
		Topics:      strings.Join(topics, ", "),
		Importance:  memory.ScoreImportance(summary, topics),
	})
}

// Clear wipes the session's log, memory and board.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.log.Clear(ctx, s.id); err != nil {
		return err
	}
	if err := s.memory.Clear(ctx); err != nil {
		return err
	}
	return s.orchestrator.Clear(ctx)
}

// userFacing strips wrapped detail down to something worth showing a client.
func userFacing(err error) string {
	switch errors.KindOf(err) {
	case errors.KindTimeout:
		return "The model took too long to respond. Please try again."
	case errors.KindRateLimited:
		return "The model is rate limiting requests. Please wait a moment."
	case errors.KindUnavailable:
		return "The model is temporarily unavailable. Please try again shortly."
	default:
		return err.Error()
	}
}
