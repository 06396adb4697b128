// Package planner turns a user objective into a task board. Both operations
// are model calls wrapped in schema validation; the planner never trusts the
// model output beyond what the normaliser lets through.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"nova/internal/domain/task"
	"nova/internal/llm"
	"nova/internal/logging"
)

const maxPlanTasks = 15
const maxConsecutiveWork = 4

// Config tunes the planner.
type Config struct {
	Model           string
	Temperature     float64
	AssessCacheSize int
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{Temperature: 0.2, AssessCacheSize: 128}
}

// Planner drives plan generation and complexity assessment.
type Planner struct {
	client      llm.Client
	cfg         Config
	assessCache *lru.Cache[string, task.Assessment]
	logger      logging.Logger
}

// New builds a Planner.
func New(client llm.Client, cfg Config) *Planner {
	size := cfg.AssessCacheSize
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, task.Assessment](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	return &Planner{
		client:      client,
		cfg:         cfg,
		assessCache: cache,
		logger:      logging.NewComponentLogger("planner"),
	}
}

const assessSystemPrompt = `You judge whether a user request needs a multi-step task plan or a direct answer.
Reply with a JSON object only:
{"isComplex": bool, "reason": string, "suggestedApproach": "direct"|"planned", "estimatedTasks": int}
A request is complex when it needs several distinct work products, research plus synthesis, or coordination across steps. Questions, chit-chat and single-step requests are not complex.`

// Assess asks the model whether the query needs planning. The verdict is
// advisory; on any failure the answer is "not complex" so the caller falls
// back to a direct reply.
func (p *Planner) Assess(ctx context.Context, userQuery string) task.Assessment {
	key := strings.ToLower(strings.TrimSpace(userQuery))
	if cached, ok := p.assessCache.Get(key); ok {
		return cached
	}

	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: assessSystemPrompt},
		{Role: llm.ChatRoleUser, Content: userQuery},
	}
	result, err := p.client.GenerateWithTools(ctx, history, nil, p.generateOptions(), nil)
	if err != nil {
		p.logger.Warn("complexity assessment failed, defaulting to direct: %v", err)
		return task.Assessment{IsComplex: false}
	}

	var doc struct {
		IsComplex         bool   `json:"isComplex"`
		Reason            string `json:"reason"`
		SuggestedApproach string `json:"suggestedApproach"`
		EstimatedTasks    int    `json:"estimatedTasks"`
	}
	if err := parseModelJSON(result.Text, &doc); err != nil {
		p.logger.Warn("unparseable assessment, defaulting to direct: %v", err)
		return task.Assessment{IsComplex: false}
	}

	assessment := task.Assessment{
		IsComplex:         doc.IsComplex,
		Reason:            doc.Reason,
		SuggestedApproach: doc.SuggestedApproach,
		EstimatedTasks:    doc.EstimatedTasks,
	}
	p.assessCache.Add(key, assessment)
	return assessment
}

// PlanRequest carries the inputs for plan generation.
type PlanRequest struct {
	Objective string
	UserQuery string
	Context   string
}

// ReplanRequest carries the inputs for replanning after a failure or a
// rejected checkpoint.
type ReplanRequest struct {
	Objective     string
	PreviousBoard *task.Board
	FailureReason string
	UserFeedback  string
}

func planSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a planning engine. Break the objective into an ordered task list.\n\n")
	b.WriteString("Worker roles (use no other): ")
	names := make([]string, len(task.Roles))
	for i, r := range task.Roles {
		names[i] = string(r)
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\n\nActions per role:\n")
	b.WriteString("- researcher: web_search, web_fetch, memory_search\n")
	b.WriteString("- coder: code_execution, web_search\n")
	b.WriteString("- analyst, data_processor: code_execution, memory_search\n")
	b.WriteString("- writer, editor, seo_specialist, synthesizer: memory_search\n")
	b.WriteString("\nRules:\n")
	b.WriteString("- Insert a checkpoint task after at most 4 consecutive work tasks.\n")
	b.WriteString("- Checkpoint tasks need a checkpointMessage asking the user to review.\n")
	b.WriteString("- End with a synthesis task that combines all prior outputs.\n")
	b.WriteString("- Dependencies reference earlier task ids only.\n")
	b.WriteString("\nReply with a strict JSON object:\n")
	b.WriteString(`{"tasks": [{"id": string, "name": string, "description": string, "type": "work"|"checkpoint"|"synthesis", "workerRole": string, "instruction": string, "supportedActions": [string], "dependencies": [string], "checkpointMessage": string?, "estimatedComplexity": "low"|"medium"|"high"}], "summary": string, "estimatedTime": string, "checkpointCount": int}`)
	return b.String()
}

// CreatePlan generates and normalises a plan for the objective.
func (p *Planner) CreatePlan(ctx context.Context, req PlanRequest) (*task.Plan, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", req.Objective)
	if req.UserQuery != "" && req.UserQuery != req.Objective {
		fmt.Fprintf(&user, "Original request: %s\n", req.UserQuery)
	}
	if req.Context != "" {
		fmt.Fprintf(&user, "\nContext:\n%s\n", req.Context)
	}

	return p.generatePlan(ctx, planSystemPrompt(), user.String())
}

// Replan generates a fresh plan for the remainder of a board. Completed tasks
// are summarised in the prompt and preserved by the orchestrator; the new
// plan covers only what is left.
func (p *Planner) Replan(ctx context.Context, req ReplanRequest) (*task.Plan, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n\n", req.Objective)

	if req.PreviousBoard != nil {
		user.WriteString("Already completed (do not repeat):\n")
		for _, t := range req.PreviousBoard.Tasks {
			if t.Status == task.StatusComplete {
				fmt.Fprintf(&user, "- %s: %s\n", t.ID, t.Name)
			}
		}
		user.WriteString("\n")
	}
	if req.FailureReason != "" {
		fmt.Fprintf(&user, "Previous attempt failed: %s\n", req.FailureReason)
	}
	if req.UserFeedback != "" {
		fmt.Fprintf(&user, "User feedback: %s\n", req.UserFeedback)
	}
	user.WriteString("\nPlan the remaining work only.")

	return p.generatePlan(ctx, planSystemPrompt(), user.String())
}

func (p *Planner) generatePlan(ctx context.Context, system, user string) (*task.Plan, error) {
	history := []llm.ChatMessage{
		{Role: llm.ChatRoleSystem, Content: system},
		{Role: llm.ChatRoleUser, Content: user},
	}
	result, err := p.client.GenerateWithTools(ctx, history, nil, p.generateOptions(), nil)
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	var doc planDoc
	if err := parseModelJSON(result.Text, &doc); err != nil {
		return nil, fmt.Errorf("plan response: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}

	plan := p.normalize(doc)
	if err := task.ValidateDependencies(plan.Tasks); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

type planDoc struct {
	Tasks []struct {
		ID                  string   `json:"id"`
		Name                string   `json:"name"`
		Description         string   `json:"description"`
		Type                string   `json:"type"`
		WorkerRole          string   `json:"workerRole"`
		Instruction         string   `json:"instruction"`
		SupportedActions    []string `json:"supportedActions"`
		Dependencies        []string `json:"dependencies"`
		CheckpointMessage   string   `json:"checkpointMessage"`
		EstimatedComplexity string   `json:"estimatedComplexity"`
		MaxRetries          int      `json:"maxRetries"`
	} `json:"tasks"`
	Summary         string `json:"summary"`
	EstimatedTime   string `json:"estimatedTime"`
	CheckpointCount int    `json:"checkpointCount"`
}

// normalize repairs the usual model sloppiness: missing ids, unknown roles,
// absent retry budgets, oversize plans. Too many consecutive work tasks only
// warns; the plan still runs.
func (p *Planner) normalize(doc planDoc) *task.Plan {
	if len(doc.Tasks) > maxPlanTasks {
		p.logger.Warn("plan has %d tasks, clamping to %d", len(doc.Tasks), maxPlanTasks)
		doc.Tasks = doc.Tasks[:maxPlanTasks]
	}

	now := time.Now()
	tasks := make([]*task.Task, 0, len(doc.Tasks))
	checkpoints := 0
	consecutiveWork := 0

	for i, raw := range doc.Tasks {
		t := &task.Task{
			ID:                  raw.ID,
			Name:                raw.Name,
			Description:         raw.Description,
			Type:                task.Type(raw.Type),
			WorkerRole:          task.Role(raw.WorkerRole),
			Instruction:         raw.Instruction,
			CheckpointMessage:   raw.CheckpointMessage,
			EstimatedComplexity: task.Complexity(raw.EstimatedComplexity),
			Dependencies:        raw.Dependencies,
			Status:              task.StatusPending,
			MaxRetries:          raw.MaxRetries,
			CreatedAt:           now,
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("task_%d", i)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		switch t.Type {
		case task.TypeWork, task.TypeCheckpoint, task.TypeSynthesis:
		default:
			t.Type = task.TypeWork
		}
		if !task.KnownRole(t.WorkerRole) {
			t.WorkerRole = task.RoleSynthesizer
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = 2
		}
		for _, a := range raw.SupportedActions {
			switch action := task.Action(a); action {
			case task.ActionWebSearch, task.ActionCodeExecution, task.ActionMemorySearch, task.ActionWebFetch:
				t.SupportedActions = append(t.SupportedActions, action)
			}
		}

		if t.Type == task.TypeCheckpoint {
			checkpoints++
			consecutiveWork = 0
		} else {
			consecutiveWork++
			if consecutiveWork == maxConsecutiveWork+1 {
				p.logger.Warn("more than %d consecutive work tasks without a checkpoint", maxConsecutiveWork)
			}
		}
		tasks = append(tasks, t)
	}

	count := doc.CheckpointCount
	if count == 0 {
		count = checkpoints
	}
	return &task.Plan{
		Tasks:           tasks,
		Summary:         doc.Summary,
		EstimatedTime:   doc.EstimatedTime,
		CheckpointCount: count,
	}
}

// CreateBoard wraps a plan into a fresh executing board.
func (p *Planner) CreateBoard(sessionID, objective, context string, plan *task.Plan) *task.Board {
	now := time.Now()
	return &task.Board{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Objective:        objective,
		Context:          context,
		Tasks:            plan.Tasks,
		CurrentIdx:       0,
		Globals:          make(map[string]string),
		Status:           task.BoardExecuting,
		CreatedAt:        now,
		UpdatedAt:        now,
		TotalCheckpoints: plan.CheckpointCount,
	}
}

func (p *Planner) generateOptions() llm.GenerateOptions {
	return llm.GenerateOptions{Model: p.cfg.Model, Temperature: p.cfg.Temperature}
}
