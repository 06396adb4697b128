// Package task defines the task and board domain model used by the planner,
// the workers and the orchestrator. Tasks reference each other by string id;
// the board owns the task slice and the globals map.
package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCheckpoint Status = "checkpoint"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusComplete   Status = "complete"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Type distinguishes the three task shapes a plan may contain.
type Type string

const (
	TypeWork       Type = "work"
	TypeCheckpoint Type = "checkpoint"
	TypeSynthesis  Type = "synthesis"
)

// Role selects the worker system prompt and tool whitelist for a task.
type Role string

const (
	RoleResearcher    Role = "researcher"
	RoleWriter        Role = "writer"
	RoleCoder         Role = "coder"
	RoleAnalyst       Role = "analyst"
	RoleEditor        Role = "editor"
	RoleSEOSpecialist Role = "seo_specialist"
	RoleDataProcessor Role = "data_processor"
	RoleSynthesizer   Role = "synthesizer"
)

// Roles is the closed set of worker roles.
var Roles = []Role{
	RoleResearcher, RoleWriter, RoleCoder, RoleAnalyst,
	RoleEditor, RoleSEOSpecialist, RoleDataProcessor, RoleSynthesizer,
}

// KnownRole reports whether r belongs to the closed role set.
func KnownRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Action names a provider-native capability a task may use.
type Action string

const (
	ActionWebSearch     Action = "web_search"
	ActionCodeExecution Action = "code_execution"
	ActionMemorySearch  Action = "memory_search"
	ActionWebFetch      Action = "web_fetch"
)

// Complexity is the planner's effort estimate for a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is the atomic unit of planned work.
type Task struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Type                Type       `json:"type"`
	WorkerRole          Role       `json:"worker_role"`
	Instruction         string     `json:"instruction"`
	SupportedActions    []Action   `json:"supported_actions,omitempty"`
	Dependencies        []string   `json:"dependencies,omitempty"`
	Status              Status     `json:"status"`
	Result              string     `json:"result,omitempty"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	UserFeedback        string     `json:"user_feedback,omitempty"`
	CheckpointMessage   string     `json:"checkpoint_message,omitempty"`
	EstimatedComplexity Complexity `json:"estimated_complexity,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Supports reports whether the task may use the given action.
func (t *Task) Supports(action Action) bool {
	for _, a := range t.SupportedActions {
		if a == action {
			return true
		}
	}
	return false
}

// BoardStatus is the lifecycle state of a task board.
type BoardStatus string

const (
	BoardPlanning   BoardStatus = "planning"
	BoardExecuting  BoardStatus = "executing"
	BoardPaused     BoardStatus = "paused"
	BoardReplanning BoardStatus = "replanning"
	BoardCompleted  BoardStatus = "completed"
	BoardAbandoned  BoardStatus = "abandoned"
)

// IsTerminal reports whether the board has finished.
func (s BoardStatus) IsTerminal() bool {
	return s == BoardCompleted || s == BoardAbandoned
}

// Board is the execution plan for one user objective. At most one board per
// session is non-terminal at any time.
type Board struct {
	ID                   string            `json:"id"`
	SessionID            string            `json:"session_id"`
	Objective            string            `json:"objective"`
	Context              string            `json:"context,omitempty"`
	Tasks                []*Task           `json:"tasks"`
	CurrentIdx           int               `json:"current_idx"`
	Globals              map[string]string `json:"globals"`
	Status               BoardStatus       `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	TotalCheckpoints     int               `json:"total_checkpoints"`
	CompletedCheckpoints int               `json:"completed_checkpoints"`
}

// Current returns the task at CurrentIdx, or nil when the board is exhausted.
func (b *Board) Current() *Task {
	if b.CurrentIdx < 0 || b.CurrentIdx >= len(b.Tasks) {
		return nil
	}
	return b.Tasks[b.CurrentIdx]
}

// CompletedCount returns the number of tasks with StatusComplete.
func (b *Board) CompletedCount() int {
	n := 0
	for _, t := range b.Tasks {
		if t.Status == StatusComplete {
			n++
		}
	}
	return n
}

// Progress returns completion as an integer percentage.
func (b *Board) Progress() int {
	if len(b.Tasks) == 0 {
		return 0
	}
	return 100 * b.CompletedCount() / len(b.Tasks)
}

// Find returns the task with the given id, or nil.
func (b *Board) Find(id string) *Task {
	for _, t := range b.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// DependencyOutputs projects the globals map through the task's dependencies.
func (b *Board) DependencyOutputs(t *Task) map[string]string {
	out := make(map[string]string, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if v, ok := b.Globals[dep]; ok {
			out[dep] = v
		}
	}
	return out
}

// ValidateDependencies verifies that every dependency names a known task and
// that the dependency graph is acyclic.
func ValidateDependencies(tasks []*Task) error {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("dependency %q names no task", id)
		}
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through task %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range t.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// Plan is the planner's output before board construction.
type Plan struct {
	Tasks           []*Task `json:"tasks"`
	Summary         string  `json:"summary"`
	EstimatedTime   string  `json:"estimated_time,omitempty"`
	CheckpointCount int     `json:"checkpoint_count"`
}

// Assessment is the planner's complexity verdict for a user query.
type Assessment struct {
	IsComplex         bool   `json:"is_complex"`
	Reason            string `json:"reason,omitempty"`
	SuggestedApproach string `json:"suggested_approach,omitempty"` // "direct" | "planned"
	EstimatedTasks    int    `json:"estimated_tasks,omitempty"`
}
