// Package worker executes a single task in isolation: a bounded reason-act
// loop over the model, followed by a self-assessment of the produced output.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"nova/internal/domain/task"
	"nova/internal/llm"
	"nova/internal/logging"
)

var completionMarkers = []string{
	"TASK COMPLETE:", "TASK COMPLETED:", "FINAL OUTPUT:", "HERE IS THE FINAL",
}

var blockedMarkers = []string{
	"TASK BLOCKED:", "CANNOT PROCEED:", "UNABLE TO COMPLETE:",
}

// Result is the outcome of one worker run.
type Result struct {
	Success     bool
	Output      string
	NeedsRetry  bool
	RetryReason string
}

// Config tunes the worker loop.
type Config struct {
	Model         string
	Temperature   float64
	MaxTurns      int // default 5
	RetryMaxTurns int // default 7, used by RetryWithFeedback
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{Temperature: 0.7, MaxTurns: 5, RetryMaxTurns: 7}
}

// ProgressFunc receives human-readable progress lines during a run.
type ProgressFunc func(message string)

// Worker runs tasks against the model gateway.
type Worker struct {
	client llm.Client
	cfg    Config
	logger logging.Logger
}

// New builds a Worker.
func New(client llm.Client, cfg Config) *Worker {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 5
	}
	if cfg.RetryMaxTurns <= 0 {
		cfg.RetryMaxTurns = 7
	}
	return &Worker{client: client, cfg: cfg, logger: logging.NewComponentLogger("worker")}
}

// Execute runs the task through the reason-act loop. Dependency outputs are
// the globals projected through the task's dependency list.
func (w *Worker) Execute(ctx context.Context, t *task.Task, globals, depOutputs map[string]string, onProgress ProgressFunc) *Result {
	return w.run(ctx, t, globals, depOutputs, w.cfg.MaxTurns, onProgress)
}

// RetryWithFeedback re-runs a task whose instruction is augmented with the
// feedback and the previous attempt's output. The retry gets extra turns.
func (w *Worker) RetryWithFeedback(ctx context.Context, t *task.Task, last *Result, feedback string, onProgress ProgressFunc) *Result {
	retry := *t
	var b strings.Builder
	b.WriteString(t.Instruction)
	b.WriteString("\n\nThe previous attempt was not accepted. Feedback:\n")
	b.WriteString(feedback)
	if last != nil && last.Output != "" {
		b.WriteString("\n\nPrevious output:\n")
		b.WriteString(last.Output)
	}
	retry.Instruction = b.String()
	return w.run(ctx, &retry, nil, nil, w.cfg.RetryMaxTurns, onProgress)
}

func (w *Worker) run(ctx context.Context, t *task.Task, globals, depOutputs map[string]string, maxTurns int, onProgress ProgressFunc) *Result {
	progress := func(msg string) {
		if onProgress != nil {
			onProgress(msg)
		}
	}

	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: systemPrompt(t.WorkerRole)},
		{Role: llm.ChatRoleUser, Content: executionPrompt(t, globals, depOutputs)},
	}
	opts := llm.GenerateOptions{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		Native: llm.NativeTools{
			WebSearch:     t.Supports(task.ActionWebSearch),
			CodeExecution: t.Supports(task.ActionCodeExecution),
		},
	}

	for turn := 1; turn <= maxTurns; turn++ {
		progress(fmt.Sprintf("%s: turn %d/%d", t.Name, turn, maxTurns))

		result, err := w.client.GenerateWithTools(ctx, history, nil, opts, nil)
		if err != nil {
			w.logger.Warn("task %s turn %d failed: %v", t.ID, turn, err)
			// A first-turn failure is worth a retry; a failure mid-run means
			// the model already engaged and a blind rerun rarely helps.
			return &Result{
				Success:     false,
				NeedsRetry:  turn < 2,
				RetryReason: fmt.Sprintf("model call failed: %v", err),
			}
		}
		response := result.Text
		history = append(history, llm.ChatMessage{Role: llm.ChatRoleAssistant, Content: response})

		if reason, blocked := findMarker(response, blockedMarkers); blocked {
			return &Result{Success: false, NeedsRetry: true, RetryReason: firstLine(reason)}
		}

		candidate, done := findMarker(response, completionMarkers)
		if !done {
			history = append(history, llm.ChatMessage{Role: llm.ChatRoleUser, Content: "Continue with your task."})
			continue
		}
		candidate = strings.TrimSpace(candidate)

		if len(candidate) <= 50 {
			return &Result{Success: true, Output: candidate}
		}

		verdict := w.assess(ctx, t, candidate)
		if verdict.Satisfactory {
			return &Result{Success: true, Output: candidate}
		}
		issues := strings.Join(verdict.Issues, "; ")
		if turn < maxTurns {
			progress(fmt.Sprintf("%s: output rejected, revising (%s)", t.Name, issues))
			history = append(history, llm.ChatMessage{
				Role:    llm.ChatRoleUser,
				Content: "Your output has issues: " + issues + "\nRevise and finish the task.",
			})
			continue
		}
		return &Result{Success: false, NeedsRetry: true, RetryReason: issues, Output: candidate}
	}

	return &Result{
		Success:     false,
		NeedsRetry:  true,
		RetryReason: fmt.Sprintf("no completion after %d turns", maxTurns),
	}
}

type assessment struct {
	Satisfactory bool     `json:"satisfactory"`
	Issues       []string `json:"issues"`
	Suggestions  []string `json:"suggestions"`
}

const assessPrompt = `Review the output below against the task description. Reply with a JSON object only:
{"satisfactory": bool, "issues": [string], "suggestions": [string]}`

// assess asks the model to grade a candidate output. An unusable assessment
// counts as satisfactory so a flaky grader cannot block a finished task.
func (w *Worker) assess(ctx context.Context, t *task.Task, output string) assessment {
	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: assessPrompt},
		{Role: llm.ChatRoleUser, Content: fmt.Sprintf("Task: %s\n%s\n\nOutput:\n%s", t.Name, t.Description, output)},
	}
	result, err := w.client.GenerateWithTools(ctx, history, nil, llm.GenerateOptions{Model: w.cfg.Model}, nil)
	if err != nil {
		w.logger.Debug("self-assessment call failed, accepting output: %v", err)
		return assessment{Satisfactory: true}
	}

	var verdict assessment
	raw := strings.TrimSpace(result.Text)
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil || json.Unmarshal([]byte(fixed), &verdict) != nil {
			w.logger.Debug("unparseable self-assessment, accepting output")
			return assessment{Satisfactory: true}
		}
	}
	return verdict
}

// executionPrompt renders the task, its board globals and the outputs of its
// dependencies into one user message.
func executionPrompt(t *task.Task, globals, depOutputs map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "\nInstruction:\n%s\n", t.Instruction)

	if len(depOutputs) > 0 {
		b.WriteString("\nOutputs from tasks you depend on:\n")
		for _, dep := range t.Dependencies {
			if out, ok := depOutputs[dep]; ok {
				fmt.Fprintf(&b, "--- %s ---\n%s\n", dep, out)
			}
		}
	}
	if len(globals) > len(depOutputs) {
		b.WriteString("\nOther completed task outputs are available on request via their task id.\n")
	}
	return b.String()
}

// findMarker locates the first marker that starts a line, case-insensitively,
// and returns everything after it.
func findMarker(text string, markers []string) (string, bool) {
	upper := strings.ToUpper(text)
	best := -1
	bestLen := 0
	for _, marker := range markers {
		idx := strings.Index(upper, marker)
		for idx >= 0 {
			if idx == 0 || upper[idx-1] == '\n' {
				if best == -1 || idx < best {
					best = idx
					bestLen = len(marker)
				}
				break
			}
			next := strings.Index(upper[idx+1:], marker)
			if next < 0 {
				break
			}
			idx += 1 + next
		}
	}
	if best < 0 {
		return "", false
	}
	return text[best+bestLen:], true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}
