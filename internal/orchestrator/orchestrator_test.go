package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"nova/internal/domain/task"
	apperrors "nova/internal/errors"
	"nova/internal/llm"
	"nova/internal/planner"
	"nova/internal/worker"
)

func newOrchestrator(client *llm.MockClient, storage BoardStorage) *Orchestrator {
	p := planner.New(client, planner.DefaultConfig())
	w := worker.New(client, worker.DefaultConfig())
	return New("s1", p, w, storage, DefaultConfig())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

const planWithCheckpoint = `{"tasks": [
	{"id": "research", "name": "research", "type": "work", "workerRole": "researcher", "instruction": "gather"},
	{"id": "review", "name": "review", "type": "checkpoint", "workerRole": "synthesizer", "checkpointMessage": "Happy with the research?"},
	{"id": "final", "name": "final", "type": "synthesis", "workerRole": "synthesizer", "instruction": "combine", "dependencies": ["research"]}
], "summary": "three steps", "checkpointCount": 1}`

func TestRunToCompletionThroughCheckpoint(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Text: planWithCheckpoint},
		llm.MockResponse{Text: "TASK COMPLETE: research notes"},
		llm.MockResponse{Text: "TASK COMPLETE: the final report"},
	)
	storage := NewMemoryBoardStorage()
	o := newOrchestrator(client, storage)
	rec := &eventRecorder{}
	o.OnEvent(rec.record)
	ctx := context.Background()

	board, err := o.CreatePlan(ctx, "write a report", "please write a report", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(board.Tasks) != 3 || board.Status != task.BoardExecuting {
		t.Fatalf("board = %+v", board)
	}

	result, err := o.ExecuteUntilCheckpoint(ctx)
	if err != nil {
		t.Fatalf("ExecuteUntilCheckpoint: %v", err)
	}
	if result.Status != StatusCheckpoint {
		t.Fatalf("result = %+v", result)
	}
	if result.CheckpointTask.CheckpointMessage != "Happy with the research?" {
		t.Fatalf("checkpoint task = %+v", result.CheckpointTask)
	}
	if board.Status != task.BoardPaused || board.Globals["research"] != "research notes" {
		t.Fatalf("board after checkpoint = %+v", board)
	}

	// The paused state is persisted before control returns.
	stored, err := storage.Load(ctx, "s1")
	if err != nil || stored == nil || stored.Status != task.BoardPaused {
		t.Fatalf("stored board = %+v, %v", stored, err)
	}

	result, err = o.ResumeFromCheckpoint(ctx, "looks good", true)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if result.Status != StatusCompleted || result.FinalOutput != "the final report" {
		t.Fatalf("result = %+v", result)
	}
	if board.CompletedCheckpoints != 1 {
		t.Fatalf("CompletedCheckpoints = %d", board.CompletedCheckpoints)
	}
	if board.Find("review").UserFeedback != "looks good" {
		t.Fatal("checkpoint feedback was not stored")
	}

	want := []EventType{
		EventPlanCreated,
		EventTaskStarted, EventTaskCompleted,
		EventCheckpointReached,
		EventCheckpointResumed,
		EventTaskStarted, EventTaskCompleted,
		EventBoardCompleted,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestTaskRetryWithFeedback(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Text: `{"tasks": [{"id": "only", "name": "only", "type": "work", "workerRole": "writer", "instruction": "write"}], "summary": "one step"}`},
		llm.MockResponse{Text: "TASK BLOCKED: missing data"},
		llm.MockResponse{Text: "TASK COMPLETE: recovered"},
	)
	o := newOrchestrator(client, NewMemoryBoardStorage())
	rec := &eventRecorder{}
	o.OnEvent(rec.record)
	ctx := context.Background()

	if _, err := o.CreatePlan(ctx, "small job", "", ""); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	result, err := o.ExecuteUntilCheckpoint(ctx)
	if err != nil {
		t.Fatalf("ExecuteUntilCheckpoint: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}

	board, _ := o.Board(ctx)
	only := board.Find("only")
	if only.RetryCount != 1 || only.Status != task.StatusComplete {
		t.Fatalf("task after retry = %+v", only)
	}

	sawRetry := false
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Type == EventTaskFailed && e.WillRetry {
			sawRetry = true
		}
	}
	rec.mu.Unlock()
	if !sawRetry {
		t.Fatal("expected a task_failed event with willRetry")
	}
}

func TestTaskRetryBudgetExhausted(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Text: `{"tasks": [{"id": "only", "name": "only", "type": "work", "workerRole": "writer", "instruction": "write"}], "summary": "one step"}`},
		// The last scripted response repeats, so every attempt stays blocked.
		llm.MockResponse{Text: "TASK BLOCKED: missing data"},
	)
	p := planner.New(client, planner.DefaultConfig())
	w := worker.New(client, worker.DefaultConfig())
	o := New("s1", p, w, NewMemoryBoardStorage(), Config{AutoReplanOnFailure: false})
	rec := &eventRecorder{}
	o.OnEvent(rec.record)
	ctx := context.Background()

	if _, err := o.CreatePlan(ctx, "doomed job", "", ""); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	result, err := o.ExecuteUntilCheckpoint(ctx)
	if err != nil {
		t.Fatalf("ExecuteUntilCheckpoint: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("result = %+v", result)
	}

	board, _ := o.Board(ctx)
	only := board.Find("only")
	if only.Status != task.StatusFailed || only.RetryCount != only.MaxRetries || only.RetryCount != 2 {
		t.Fatalf("task after exhaustion = %+v", only)
	}

	// The whole budget is consumed before giving up: one task_failed per
	// retry with willRetry set, then the definitive one without it.
	var retries []bool
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Type == EventTaskFailed {
			retries = append(retries, e.WillRetry)
		}
	}
	last := rec.events[len(rec.events)-1].Type
	rec.mu.Unlock()
	if len(retries) != 3 || !retries[0] || !retries[1] || retries[2] {
		t.Fatalf("task_failed willRetry sequence = %v, want [true true false]", retries)
	}
	if last != EventBoardFailed {
		t.Fatalf("last event = %v, want board failure", last)
	}
}

func TestDefinitiveFailureReplansPreservingPrefix(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Text: `{"tasks": [
			{"id": "a", "name": "alpha", "type": "work", "workerRole": "writer", "instruction": "x"},
			{"id": "b", "name": "beta", "type": "work", "workerRole": "writer", "instruction": "y"}
		], "summary": "two steps"}`},
		llm.MockResponse{Text: "TASK COMPLETE: alpha output"},
		llm.MockResponse{Text: "TASK BLOCKED: no access"},
		llm.MockResponse{Text: "TASK BLOCKED: still no access"},
		// Replan produces one replacement task.
		llm.MockResponse{Text: `{"tasks": [{"id": "c", "name": "gamma", "type": "work", "workerRole": "writer", "instruction": "z"}], "summary": "replanned"}`},
		llm.MockResponse{Text: "TASK COMPLETE: gamma output"},
	)
	o := newOrchestrator(client, NewMemoryBoardStorage())
	rec := &eventRecorder{}
	o.OnEvent(rec.record)
	ctx := context.Background()

	if _, err := o.CreatePlan(ctx, "flaky job", "", ""); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	result, err := o.ExecuteUntilCheckpoint(ctx)
	if err != nil {
		t.Fatalf("ExecuteUntilCheckpoint: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}

	board, _ := o.Board(ctx)
	if len(board.Tasks) != 2 || board.Tasks[0].ID != "a" || board.Tasks[1].ID != "c" {
		ids := make([]string, len(board.Tasks))
		for i, tk := range board.Tasks {
			ids[i] = tk.ID
		}
		t.Fatalf("board tasks after replan = %v, want completed prefix plus new plan", ids)
	}

	if !strings.Contains(result.FinalOutput, "## alpha\nalpha output") ||
		!strings.Contains(result.FinalOutput, "## gamma\ngamma output") {
		t.Fatalf("final output = %q", result.FinalOutput)
	}

	sawReplan := false
	for _, typ := range rec.types() {
		if typ == EventReplanTriggered {
			sawReplan = true
		}
	}
	if !sawReplan {
		t.Fatal("expected a replan_triggered event")
	}
}

func TestRejectedCheckpointReplans(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Text: `{"tasks": [{"id": "d", "name": "redo", "type": "work", "workerRole": "writer", "instruction": "again"}], "summary": "replanned"}`},
		llm.MockResponse{Text: "TASK COMPLETE: redone"},
	)
	storage := NewMemoryBoardStorage()
	board := &task.Board{
		ID:        "b1",
		SessionID: "s1",
		Objective: "revise",
		Tasks: []*task.Task{{
			ID: "cp", Name: "cp", Type: task.TypeCheckpoint,
			Status: task.StatusCheckpoint, CheckpointMessage: "Approve?",
		}},
		Globals: map[string]string{},
		Status:  task.BoardPaused,
	}
	if err := storage.Save(context.Background(), board); err != nil {
		t.Fatalf("seed board: %v", err)
	}

	o := newOrchestrator(client, storage)
	result, err := o.ResumeFromCheckpoint(context.Background(), "start over, shorter", false)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}

	loaded, _ := o.Board(context.Background())
	if len(loaded.Tasks) != 2 || loaded.Tasks[1].ID != "d" {
		t.Fatalf("board after rejection replan = %+v", loaded.Tasks)
	}

	// The rejection feedback reaches the replanning prompt.
	calls := client.Calls()
	replanPrompt := calls[0].History[1].Content
	if !strings.Contains(replanPrompt, "start over, shorter") {
		t.Fatalf("replan prompt = %q", replanPrompt)
	}
}

func TestResumeWithoutCheckpointFails(t *testing.T) {
	o := newOrchestrator(llm.NewMockClient(), NewMemoryBoardStorage())
	_, err := o.ResumeFromCheckpoint(context.Background(), "", true)
	if err == nil || !apperrors.Is(err, apperrors.KindLogic) {
		t.Fatalf("resume with no board = %v, want logic error", err)
	}
}

func TestSessionContext(t *testing.T) {
	ctx := context.Background()

	t.Run("no board", func(t *testing.T) {
		o := newOrchestrator(llm.NewMockClient(), NewMemoryBoardStorage())
		sc, err := o.SessionContext(ctx)
		if err != nil {
			t.Fatalf("SessionContext: %v", err)
		}
		if sc.HasActiveBoard || sc.SuggestedAction != "new" {
			t.Fatalf("sc = %+v", sc)
		}
	})

	t.Run("paused at checkpoint", func(t *testing.T) {
		storage := NewMemoryBoardStorage()
		_ = storage.Save(ctx, &task.Board{
			SessionID: "s1", Objective: "obj", Status: task.BoardPaused,
			Tasks: []*task.Task{{
				ID: "cp", Type: task.TypeCheckpoint,
				Status: task.StatusCheckpoint, CheckpointMessage: "Review the draft?",
			}},
		})
		o := newOrchestrator(llm.NewMockClient(), storage)
		sc, err := o.SessionContext(ctx)
		if err != nil {
			t.Fatalf("SessionContext: %v", err)
		}
		if !sc.HasActiveBoard || sc.SuggestedAction != "resume" || sc.GreetingMessage != "Review the draft?" {
			t.Fatalf("sc = %+v", sc)
		}
	})

	t.Run("executing", func(t *testing.T) {
		storage := NewMemoryBoardStorage()
		_ = storage.Save(ctx, &task.Board{
			SessionID: "s1", Objective: "obj", Status: task.BoardExecuting,
			Tasks: []*task.Task{
				{ID: "a", Name: "done", Status: task.StatusComplete},
				{ID: "b", Name: "current step", Status: task.StatusPending},
			},
			CurrentIdx: 1,
		})
		o := newOrchestrator(llm.NewMockClient(), storage)
		sc, _ := o.SessionContext(ctx)
		if sc.SuggestedAction != "resume" || sc.Progress != 50 {
			t.Fatalf("sc = %+v", sc)
		}
		if !strings.Contains(sc.GreetingMessage, "current step") {
			t.Fatalf("greeting = %q", sc.GreetingMessage)
		}
	})

	t.Run("completed", func(t *testing.T) {
		storage := NewMemoryBoardStorage()
		_ = storage.Save(ctx, &task.Board{SessionID: "s1", Objective: "obj", Status: task.BoardCompleted})
		o := newOrchestrator(llm.NewMockClient(), storage)
		sc, _ := o.SessionContext(ctx)
		if sc.HasActiveBoard || sc.SuggestedAction != "review_completed" {
			t.Fatalf("sc = %+v", sc)
		}
	})

	t.Run("abandoned reads as new", func(t *testing.T) {
		storage := NewMemoryBoardStorage()
		_ = storage.Save(ctx, &task.Board{SessionID: "s1", Objective: "obj", Status: task.BoardAbandoned})
		o := newOrchestrator(llm.NewMockClient(), storage)
		sc, _ := o.SessionContext(ctx)
		if sc.HasActiveBoard || sc.SuggestedAction != "new" {
			t.Fatalf("sc = %+v", sc)
		}
	})
}

func TestAbandonAndClear(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryBoardStorage()
	_ = storage.Save(ctx, &task.Board{SessionID: "s1", Objective: "obj", Status: task.BoardExecuting})
	o := newOrchestrator(llm.NewMockClient(), storage)

	if err := o.Abandon(ctx); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	stored, _ := storage.Load(ctx, "s1")
	if stored.Status != task.BoardAbandoned {
		t.Fatalf("stored status = %q", stored.Status)
	}

	// Abandoning a terminal board is a no-op.
	if err := o.Abandon(ctx); err != nil {
		t.Fatalf("Abandon twice: %v", err)
	}

	if err := o.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stored, err := storage.Load(ctx, "s1")
	if err != nil || stored != nil {
		t.Fatalf("board after clear = %+v, %v", stored, err)
	}
}

func TestBoardLazyLoadsFromStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryBoardStorage()
	_ = storage.Save(ctx, &task.Board{SessionID: "s1", Objective: "persisted", Status: task.BoardPaused})

	// A fresh orchestrator instance sees the stored board.
	o := newOrchestrator(llm.NewMockClient(), storage)
	board, err := o.Board(ctx)
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	if board == nil || board.Objective != "persisted" {
		t.Fatalf("board = %+v", board)
	}
}

func TestSynthesizeOutput(t *testing.T) {
	board := &task.Board{Tasks: []*task.Task{
		{Name: "one", Type: task.TypeWork, Status: task.StatusComplete, Result: "first"},
		{Name: "skip", Type: task.TypeWork, Status: task.StatusFailed, Result: "ignored"},
		{Name: "two", Type: task.TypeWork, Status: task.StatusComplete, Result: "second"},
	}}
	got := synthesizeOutput(board)
	if got != "## one\nfirst\n\n## two\nsecond" {
		t.Fatalf("fallback synthesis = %q", got)
	}

	board.Tasks = append(board.Tasks, &task.Task{
		Name: "synth", Type: task.TypeSynthesis, Status: task.StatusComplete, Result: "the whole story",
	})
	if got := synthesizeOutput(board); got != "the whole story" {
		t.Fatalf("synthesis result = %q", got)
	}
}
