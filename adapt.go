package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// defaultMaxDecomposition bounds recursion depth.
const defaultMaxDecomposition = 3

// TaskComplexity grades how much work a task needs.
type TaskComplexity string

const (
	ComplexitySimple  TaskComplexity = "simple"
	ComplexityMedium  TaskComplexity = "medium"
	ComplexityComplex TaskComplexity = "complex"
)

// TaskStatus is the lifecycle state of one task. Transitions are strictly
// pending → (executing | decomposed) and executing → (completed | failed).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskExecuting  TaskStatus = "executing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDecomposed TaskStatus = "decomposed"
)

// LogicalOperator binds sibling tasks: And requires all to succeed, Or
// requires any one.
type LogicalOperator string

const (
	OperatorAnd LogicalOperator = "And"
	OperatorOr  LogicalOperator = "Or"
)

// Task is one node in the decomposition tree. The tree is held in an
// arena keyed by ID, with parent and child links by ID only.
type Task struct {
	ID         string          `json:"id"`
	Parent     string          `json:"parent,omitempty"`
	Children   []string        `json:"children,omitempty"`
	Goal       string          `json:"goal"`
	Complexity TaskComplexity  `json:"complexity"`
	Status     TaskStatus      `json:"status"`
	Operator   LogicalOperator `json:"operator"`
	Level      int             `json:"level"`
	Result     string          `json:"result,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// adaptRunner recursively decomposes a root task and executes the leaves,
// combining child outcomes under each parent's operator.
type adaptRunner struct {
	provider Provider
	config   ModelConfig
	tools    ToolGateway
	maxLevel int
	logger   *slog.Logger

	arena map[string]*Task
}

// Run drives the decomposition and patches the workflow state with the
// arena, the combined result, and step notes.
func (r *adaptRunner) Run(ctx context.Context, state WorkflowState) (StatePatch, error) {
	if r.provider == nil {
		return StatePatch{"steps": "adapt skipped (no provider)"}, nil
	}
	r.arena = make(map[string]*Task)
	sessionID := stateString(state, "sessionId")

	root := &Task{
		ID:       NewID(),
		Goal:     stateString(state, "input"),
		Status:   TaskPending,
		Operator: OperatorAnd,
	}
	r.arena[root.ID] = root

	var toolResults []any
	if err := r.process(ctx, root, sessionID, &toolResults); err != nil {
		return nil, err
	}

	var stepNotes []any
	for _, task := range r.arena {
		stepNotes = append(stepNotes, fmt.Sprintf("adapt[%s] level=%d %s", truncate(task.ID, 8), task.Level, task.Status))
	}

	reasoning := root.Result
	if root.Status == TaskFailed {
		reasoning = "task failed: " + root.Err
	}
	return StatePatch{
		"adaptArena":  r.arena,
		"adaptRoot":   root.ID,
		"reasoning":   reasoning,
		"toolResults": toolResults,
		"steps":       stepNotes,
	}, nil
}

// process assesses a pending task and either executes it or decomposes it
// into children.
func (r *adaptRunner) process(ctx context.Context, task *Task, sessionID string, toolResults *[]any) error {
	if err := ctx.Err(); err != nil {
		return FromContext(err)
	}
	if task.Status != TaskPending {
		return Systemf(CodeInternal, "task %s processed twice (status %s)", task.ID, task.Status)
	}

	assessment, err := r.assess(ctx, task)
	if err != nil {
		return err
	}
	task.Complexity = assessment.Complexity

	if task.Complexity == ComplexityComplex && task.Level < r.maxLevel && len(assessment.Subtasks) > 0 {
		return r.decompose(ctx, task, assessment, sessionID, toolResults)
	}
	return r.execute(ctx, task, sessionID, toolResults)
}

type adaptAssessment struct {
	Complexity TaskComplexity  `json:"complexity"`
	Operator   LogicalOperator `json:"operator"`
	Subtasks   []string        `json:"subtasks"`
}

func (r *adaptRunner) assess(ctx context.Context, task *Task) (adaptAssessment, error) {
	resp, err := r.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage(`Assess the task. Reply with a single JSON object:
{"complexity": "simple"|"medium"|"complex", "operator": "And"|"Or", "subtasks": ["..."]}.
Provide subtasks only for complex tasks. "And" means all subtasks must succeed; "Or" means any one suffices.`),
			UserModelMessage(task.Goal),
		},
		Config: r.config,
	})
	if err != nil {
		return adaptAssessment{}, coerce(err, CategoryNetwork, CodeProviderFailure)
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return adaptAssessment{}, Validationf(CodeExtractionFailed, "no JSON object in assessment reply")
	}
	var assessment adaptAssessment
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &assessment); err != nil {
		return adaptAssessment{}, Validationf(CodeExtractionFailed, "unparseable assessment: %v", err)
	}
	switch assessment.Complexity {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
	default:
		assessment.Complexity = ComplexityMedium
	}
	if assessment.Operator != OperatorOr {
		assessment.Operator = OperatorAnd
	}
	return assessment, nil
}

// decompose creates children in the arena, processes each, and combines
// their outcomes under the operator.
func (r *adaptRunner) decompose(ctx context.Context, task *Task, assessment adaptAssessment, sessionID string, toolResults *[]any) error {
	task.Status = TaskDecomposed
	task.Operator = assessment.Operator
	r.logger.Debug("adapt decompose",
		"task", task.ID, "level", task.Level, "children", len(assessment.Subtasks), "operator", assessment.Operator)

	for _, goal := range assessment.Subtasks {
		child := &Task{
			ID:       NewID(),
			Parent:   task.ID,
			Goal:     goal,
			Status:   TaskPending,
			Operator: assessment.Operator,
			Level:    task.Level + 1,
		}
		r.arena[child.ID] = child
		task.Children = append(task.Children, child.ID)
	}

	var outputs []string
	anySuccess := false
	allSuccess := true
	for _, childID := range task.Children {
		child := r.arena[childID]
		if err := r.process(ctx, child, sessionID, toolResults); err != nil {
			return err
		}
		if child.Status == TaskCompleted {
			anySuccess = true
			outputs = append(outputs, child.Result)
			if task.Operator == OperatorOr {
				break
			}
		} else {
			allSuccess = false
			outputs = append(outputs, "[failed] "+child.Err)
			if task.Operator == OperatorAnd {
				break
			}
		}
	}

	succeeded := (task.Operator == OperatorAnd && allSuccess) ||
		(task.Operator == OperatorOr && anySuccess)
	if succeeded {
		task.Status = TaskCompleted
		task.Result = strings.Join(outputs, "\n")
	} else {
		task.Status = TaskFailed
		task.Err = "decomposed subtasks did not satisfy " + string(task.Operator)
	}
	return nil
}

type adaptAction struct {
	Action string         `json:"action"`
	Input  map[string]any `json:"input"`
	Answer string         `json:"answer"`
}

// execute runs a leaf task: the model either answers directly or names one
// tool call whose output becomes the result.
func (r *adaptRunner) execute(ctx context.Context, task *Task, sessionID string, toolResults *[]any) error {
	task.Status = TaskExecuting

	var tools []string
	if r.tools != nil {
		for _, t := range r.tools.Discover("") {
			tools = append(tools, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
		}
	}
	resp, err := r.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage(fmt.Sprintf(`Complete the task. Reply with a single JSON object:
{"action": "<tool name or \"answer\">", "input": {...}, "answer": "..."}.
Use "action": "answer" with the result text when no tool is needed. Available tools:
%s`, strings.Join(tools, "\n"))),
			UserModelMessage(task.Goal),
		},
		Config: r.config,
	})
	if err != nil {
		task.Status = TaskFailed
		task.Err = err.Error()
		return nil
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		task.Status = TaskFailed
		task.Err = "no JSON object in execution reply"
		return nil
	}
	var action adaptAction
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &action); err != nil {
		task.Status = TaskFailed
		task.Err = "unparseable execution reply: " + err.Error()
		return nil
	}

	if action.Action == "answer" || action.Action == "" || r.tools == nil || !r.tools.Has(action.Action) {
		task.Status = TaskCompleted
		task.Result = action.Answer
		return nil
	}

	result := r.tools.Execute(ctx, ToolCall{
		CallID:    NewID(),
		ToolName:  action.Action,
		Input:     action.Input,
		Context:   map[string]any{"session_id": sessionID, "task_id": task.ID},
		Timestamp: timeNow(),
	})
	*toolResults = append(*toolResults, result)
	if result.Success {
		task.Status = TaskCompleted
		task.Result = result.Output
	} else {
		task.Status = TaskFailed
		task.Err = result.Err
	}
	return nil
}
