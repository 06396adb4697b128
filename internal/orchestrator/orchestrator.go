// Package orchestrator runs the task-board state machine: plan, execute to
// the next checkpoint, pause for the user, resume or replan. Every state
// transition is persisted before the orchestrator moves on.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nova/internal/domain/task"
	"nova/internal/errors"
	"nova/internal/logging"
	"nova/internal/planner"
	"nova/internal/worker"
)

// Result statuses returned by the execution entry points.
const (
	StatusCheckpoint = "checkpoint"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Result is the outcome of an execution run.
type Result struct {
	Status         string     `json:"status"`
	CheckpointTask *task.Task `json:"checkpoint_task,omitempty"`
	FinalOutput    string     `json:"final_output,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// SessionContext describes the board situation a reconnecting client finds.
type SessionContext struct {
	HasActiveBoard  bool        `json:"has_active_board"`
	Board           *task.Board `json:"board,omitempty"`
	SuggestedAction string      `json:"suggested_action"` // resume | new | review_completed
	GreetingMessage string      `json:"greeting_message"`
	Progress        int         `json:"progress"`
}

// Config tunes the orchestrator.
type Config struct {
	AutoReplanOnFailure bool
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{AutoReplanOnFailure: true}
}

// Orchestrator owns at most one non-terminal board for its session.
type Orchestrator struct {
	sessionID string
	planner   *planner.Planner
	worker    *worker.Worker
	storage   BoardStorage
	cfg       Config
	logger    logging.Logger

	mu        sync.Mutex
	board     *task.Board
	loaded    bool
	callbacks []Callback
}

// New builds an orchestrator for one session.
func New(sessionID string, p *planner.Planner, w *worker.Worker, storage BoardStorage, cfg Config) *Orchestrator {
	return &Orchestrator{
		sessionID: sessionID,
		planner:   p,
		worker:    w,
		storage:   storage,
		cfg:       cfg,
		logger:    logging.NewComponentLogger("orchestrator"),
	}
}

// OnEvent registers a callback for the event stream.
func (o *Orchestrator) OnEvent(cb Callback) {
	o.mu.Lock()
	o.callbacks = append(o.callbacks, cb)
	o.mu.Unlock()
}

// Board returns the current board, loading it from storage on first access.
func (o *Orchestrator) Board(ctx context.Context) (*task.Board, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.board != nil || o.loaded {
		return o.board, nil
	}
	board, err := o.storage.Load(ctx, o.sessionID)
	if err != nil {
		return nil, err
	}
	o.board = board
	o.loaded = true
	return o.board, nil
}

func (o *Orchestrator) save(ctx context.Context, board *task.Board) error {
	board.UpdatedAt = time.Now()
	if err := o.storage.Save(ctx, board); err != nil {
		return errors.New(errors.KindPersistence, err)
	}
	return nil
}

// SessionContext summarises the board state for a connecting client.
func (o *Orchestrator) SessionContext(ctx context.Context) (*SessionContext, error) {
	board, err := o.Board(ctx)
	if err != nil {
		return nil, err
	}
	if board == nil || board.Status == task.BoardAbandoned {
		return &SessionContext{
			SuggestedAction: "new",
			GreetingMessage: "Hello! What can I help you with?",
		}, nil
	}

	sc := &SessionContext{
		HasActiveBoard: !board.Status.IsTerminal(),
		Board:          board,
		Progress:       board.Progress(),
	}
	current := board.Current()

	switch {
	case board.Status == task.BoardPaused && current != nil && current.Type == task.TypeCheckpoint:
		sc.SuggestedAction = "resume"
		sc.GreetingMessage = current.CheckpointMessage
	case board.Status == task.BoardCompleted:
		sc.SuggestedAction = "review_completed"
		sc.GreetingMessage = fmt.Sprintf("Your task %q is complete. Want to review the result or start something new?", board.Objective)
	case board.Status == task.BoardExecuting || board.Status == task.BoardReplanning:
		sc.SuggestedAction = "resume"
		name := board.Objective
		if current != nil {
			name = current.Name
		}
		sc.GreetingMessage = fmt.Sprintf("There is work in progress (%d%% done, currently: %s). Continue?", board.Progress(), name)
	default:
		sc.SuggestedAction = "new"
		sc.GreetingMessage = "Hello! What can I help you with?"
	}
	return sc, nil
}

// CreatePlan plans the objective, installs the board and emits plan_created.
func (o *Orchestrator) CreatePlan(ctx context.Context, objective, userQuery, memoryContext string) (*task.Board, error) {
	plan, err := o.planner.CreatePlan(ctx, planner.PlanRequest{
		Objective: objective,
		UserQuery: userQuery,
		Context:   memoryContext,
	})
	if err != nil {
		return nil, err
	}

	board := o.planner.CreateBoard(o.sessionID, objective, memoryContext, plan)
	if err := o.save(ctx, board); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.board = board
	o.loaded = true
	o.mu.Unlock()

	o.emit(Event{Type: EventPlanCreated, Board: board, Message: plan.Summary})
	return board, nil
}

// ExecuteUntilCheckpoint advances the board until it hits a checkpoint,
// completes, or fails beyond recovery.
func (o *Orchestrator) ExecuteUntilCheckpoint(ctx context.Context) (*Result, error) {
	board, err := o.Board(ctx)
	if err != nil {
		return nil, err
	}
	if board == nil {
		return nil, errors.Newf(errors.KindLogic, "no board to execute")
	}

	for board.CurrentIdx < len(board.Tasks) {
		t := board.Tasks[board.CurrentIdx]

		if t.Type == task.TypeCheckpoint {
			t.Status = task.StatusCheckpoint
			board.Status = task.BoardPaused
			if err := o.save(ctx, board); err != nil {
				return nil, err
			}
			o.emit(Event{Type: EventCheckpointReached, Board: board, Task: t, Message: t.CheckpointMessage})
			return &Result{Status: StatusCheckpoint, CheckpointTask: t}, nil
		}

		o.emit(Event{Type: EventTaskStarted, Board: board, Task: t})
		t.Status = task.StatusRunning
		if err := o.save(ctx, board); err != nil {
			return nil, err
		}

		result := o.runTask(ctx, board, t)

		// Each failed retry re-enters the budget check until MaxRetries is
		// spent or the failure stops being retryable.
		for !result.Success && result.NeedsRetry && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Status = task.StatusRetry
			o.emit(Event{Type: EventTaskFailed, Board: board, Task: t, Message: result.RetryReason, WillRetry: true})
			result = o.worker.RetryWithFeedback(ctx, t, result, result.RetryReason, o.progressFunc(board, t))
		}

		if result.Success {
			now := time.Now()
			t.Status = task.StatusComplete
			t.Result = result.Output
			t.CompletedAt = &now
			board.Globals[t.ID] = result.Output
			o.emit(Event{Type: EventTaskCompleted, Board: board, Task: t})
			board.CurrentIdx++
			if err := o.save(ctx, board); err != nil {
				return nil, err
			}
			continue
		}

		t.Status = task.StatusFailed
		o.emit(Event{Type: EventTaskFailed, Board: board, Task: t, Message: result.RetryReason, WillRetry: false})
		if o.cfg.AutoReplanOnFailure {
			return o.handleReplan(ctx, board, t, result.RetryReason)
		}
		if err := o.save(ctx, board); err != nil {
			return nil, err
		}
		o.emit(Event{Type: EventBoardFailed, Board: board, Task: t, Message: result.RetryReason})
		return &Result{Status: StatusFailed, Message: result.RetryReason}, nil
	}

	now := time.Now()
	board.Status = task.BoardCompleted
	board.CompletedAt = &now
	if err := o.save(ctx, board); err != nil {
		return nil, err
	}
	final := synthesizeOutput(board)
	o.emit(Event{Type: EventBoardCompleted, Board: board, FinalOutput: final})
	return &Result{Status: StatusCompleted, FinalOutput: final}, nil
}

func (o *Orchestrator) runTask(ctx context.Context, board *task.Board, t *task.Task) *worker.Result {
	return o.worker.Execute(ctx, t, board.Globals, board.DependencyOutputs(t), o.progressFunc(board, t))
}

func (o *Orchestrator) progressFunc(board *task.Board, t *task.Task) worker.ProgressFunc {
	return func(msg string) {
		o.emit(Event{Type: EventTaskProgress, Board: board, Task: t, Message: msg})
	}
}

// ResumeFromCheckpoint resolves a paused checkpoint with user feedback.
// Approval continues execution; rejection replans with the feedback as the
// failure reason.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, feedback string, approved bool) (*Result, error) {
	board, err := o.Board(ctx)
	if err != nil {
		return nil, err
	}
	if board == nil {
		return nil, errors.Newf(errors.KindLogic, "no board to resume")
	}
	t := board.Current()
	if t == nil || t.Type != task.TypeCheckpoint {
		return nil, errors.Newf(errors.KindLogic, "no checkpoint awaiting feedback")
	}

	t.UserFeedback = feedback
	t.Status = task.StatusComplete
	board.CompletedCheckpoints++
	o.emit(Event{Type: EventCheckpointResumed, Board: board, Task: t, Message: feedback})

	if !approved {
		return o.handleReplan(ctx, board, t, feedback)
	}

	board.CurrentIdx++
	board.Status = task.BoardExecuting
	if err := o.save(ctx, board); err != nil {
		return nil, err
	}
	return o.ExecuteUntilCheckpoint(ctx)
}

// handleReplan rebuilds the rest of the board after a failure or a rejected
// checkpoint, preserving the completed prefix.
func (o *Orchestrator) handleReplan(ctx context.Context, board *task.Board, failing *task.Task, reason string) (*Result, error) {
	board.Status = task.BoardReplanning
	if err := o.save(ctx, board); err != nil {
		return nil, err
	}
	o.emit(Event{Type: EventReplanTriggered, Board: board, Task: failing, Message: reason})

	plan, err := o.planner.Replan(ctx, planner.ReplanRequest{
		Objective:     board.Objective,
		PreviousBoard: board,
		FailureReason: reason,
	})
	if err != nil {
		o.logger.Error("replanning failed for board %s: %v", board.ID, err)
		board.Status = task.BoardPaused
		if saveErr := o.save(ctx, board); saveErr != nil {
			return nil, saveErr
		}
		return &Result{Status: StatusFailed, Message: "Replanning failed"}, nil
	}

	var preserved []*task.Task
	for _, t := range board.Tasks {
		if t.Status != task.StatusComplete {
			break
		}
		preserved = append(preserved, t)
	}

	board.Tasks = append(preserved, plan.Tasks...)
	board.CurrentIdx = len(preserved)
	board.Status = task.BoardExecuting
	board.TotalCheckpoints = board.CompletedCheckpoints + plan.CheckpointCount
	if err := o.save(ctx, board); err != nil {
		return nil, err
	}
	return o.ExecuteUntilCheckpoint(ctx)
}

// Abandon marks the current board abandoned.
func (o *Orchestrator) Abandon(ctx context.Context) error {
	board, err := o.Board(ctx)
	if err != nil {
		return err
	}
	if board == nil || board.Status.IsTerminal() {
		return nil
	}
	board.Status = task.BoardAbandoned
	return o.save(ctx, board)
}

// Clear forgets the session's board entirely.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.mu.Lock()
	o.board = nil
	o.loaded = true
	o.mu.Unlock()
	return o.storage.Delete(ctx, o.sessionID)
}

// synthesizeOutput prefers the last synthesis task's result; otherwise it
// stitches the completed work outputs together under their task names.
func synthesizeOutput(board *task.Board) string {
	for i := len(board.Tasks) - 1; i >= 0; i-- {
		t := board.Tasks[i]
		if t.Type == task.TypeSynthesis && t.Status == task.StatusComplete && t.Result != "" {
			return t.Result
		}
	}

	var parts []string
	for _, t := range board.Tasks {
		if t.Type == task.TypeWork && t.Status == task.StatusComplete && t.Result != "" {
			parts = append(parts, "## "+t.Name+"\n"+t.Result)
		}
	}
	return strings.Join(parts, "\n\n")
}
