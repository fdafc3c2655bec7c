package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PlanStep is one planned unit of work. Dependencies name other step IDs
// that must complete first.
type PlanStep struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	Input        map[string]any `json:"input,omitempty"`
	Description  string         `json:"description,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Evidence is the recorded outcome of one plan step. Failed steps still
// produce evidence so dependents can reference the failure.
type Evidence struct {
	StepID  string `json:"step_id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Ref returns the placeholder text dependents see when substituting this
// evidence into their inputs.
func (e Evidence) Ref() string {
	if e.Success {
		return e.Output
	}
	return "[Error:" + e.StepID + "]"
}

// rewooRunner executes plan → work → solve: the planner produces a step
// DAG, the worker runs ready steps in dependency waves, the solver
// synthesises the answer from the evidence.
type rewooRunner struct {
	provider Provider
	config   ModelConfig
	tools    ToolGateway
	logger   *slog.Logger
}

func (r *rewooRunner) plannerPrompt() string {
	var tools []string
	if r.tools != nil {
		for _, t := range r.tools.Discover("") {
			tools = append(tools, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
		}
	}
	return fmt.Sprintf(`You plan a task as independent steps. Reply with a single JSON object:
{"steps": [{"id": "s1", "action": "<tool name>", "input": {...}, "description": "...", "dependencies": []}]}.
Step inputs may reference earlier results as "[s1]". Use only these tools:
%s`, strings.Join(tools, "\n"))
}

// Run executes the three phases and patches the workflow state with the
// plan, the evidence, and the solver's answer.
func (r *rewooRunner) Run(ctx context.Context, state WorkflowState) (StatePatch, error) {
	if r.provider == nil {
		return StatePatch{"steps": "rewoo skipped (no provider)"}, nil
	}
	input := stateString(state, "input")
	sessionID := stateString(state, "sessionId")

	plan, err := r.plan(ctx, input)
	if err != nil {
		return nil, err
	}

	evidence, toolResults, err := r.work(ctx, plan, sessionID)
	if err != nil {
		return nil, err
	}

	answer, err := r.solve(ctx, input, plan, evidence)
	if err != nil {
		return nil, err
	}

	stepNotes := make([]any, 0, len(plan))
	for _, step := range plan {
		ev := evidence[step.ID]
		stepNotes = append(stepNotes, fmt.Sprintf("rewoo[%s] %s ok=%t", step.ID, step.Action, ev.Success))
	}
	return StatePatch{
		"rewooPlan":     plan,
		"rewooEvidence": evidence,
		"reasoning":     answer,
		"toolResults":   toolResults,
		"steps":         stepNotes,
	}, nil
}

func (r *rewooRunner) plan(ctx context.Context, input string) ([]PlanStep, error) {
	resp, err := r.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage(r.plannerPrompt()),
			UserModelMessage(input),
		},
		Config: r.config,
	})
	if err != nil {
		return nil, coerce(err, CategoryNetwork, CodeProviderFailure)
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return nil, Validationf(CodeExtractionFailed, "no JSON object in plan reply")
	}
	var parsed struct {
		Steps []PlanStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &parsed); err != nil {
		return nil, Validationf(CodeExtractionFailed, "unparseable plan: %v", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, Validationf(CodeExtractionFailed, "planner produced no steps")
	}
	if err := validatePlan(parsed.Steps); err != nil {
		return nil, err
	}
	return parsed.Steps, nil
}

// validatePlan checks ID uniqueness, known dependencies, and acyclicity.
func validatePlan(steps []PlanStep) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return Validationf(CodeValidation, "plan step with empty id")
		}
		if ids[s.ID] {
			return Validationf(CodeValidation, "duplicate plan step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	nodes := make([]Node, len(steps))
	var edges []Edge
	for i, s := range steps {
		nodes[i] = Node{ID: s.ID}
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return Validationf(CodeValidation, "plan step %q depends on unknown step %q", s.ID, dep)
			}
			edges = append(edges, Edge{From: dep, To: s.ID})
		}
	}
	if _, err := topoOrder(nodes, edges); err != nil {
		return Validationf(CodeValidation, "plan contains a dependency cycle")
	}
	return nil
}

// work executes steps in dependency waves. A wave holds every step whose
// dependencies are all done; the batch executor parallelises the
// concurrency-safe calls inside it. Failures become error evidence and
// dependents still run.
func (r *rewooRunner) work(ctx context.Context, plan []PlanStep, sessionID string) (map[string]Evidence, []any, error) {
	evidence := make(map[string]Evidence, len(plan))
	var toolResults []any
	done := make(map[string]bool, len(plan))

	for len(done) < len(plan) {
		if err := ctx.Err(); err != nil {
			return nil, nil, FromContext(err)
		}

		var wave []PlanStep
		for _, step := range plan {
			if done[step.ID] {
				continue
			}
			ready := true
			for _, dep := range step.Dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, step)
			}
		}
		if len(wave) == 0 {
			return nil, nil, Systemf(CodeInternal, "plan wave deadlock with %d steps remaining", len(plan)-len(done))
		}

		calls := make([]ToolCall, len(wave))
		for i, step := range wave {
			calls[i] = ToolCall{
				CallID:    NewID(),
				ToolName:  step.Action,
				Input:     substituteRefs(step.Input, evidence),
				Context:   map[string]any{"session_id": sessionID, "step_id": step.ID},
				Timestamp: timeNow(),
			}
		}

		var results []ToolResult
		if r.tools != nil {
			results = r.tools.ExecuteBatch(ctx, calls)
		} else {
			results = make([]ToolResult, len(calls))
			for i, call := range calls {
				results[i] = ToolResult{CallID: call.CallID, ToolName: call.ToolName,
					Success: false, Err: "no tool gateway configured"}
			}
		}

		for i, step := range wave {
			result := results[i]
			toolResults = append(toolResults, result)
			evidence[step.ID] = Evidence{
				StepID:  step.ID,
				Success: result.Success,
				Output:  result.Output,
				Err:     result.Err,
			}
			done[step.ID] = true
			r.logger.Debug("rewoo step", "step", step.ID, "tool", step.Action, "success", result.Success)
		}
	}
	return evidence, toolResults, nil
}

// substituteRefs replaces "[stepID]" placeholders in string inputs with
// the referenced evidence, or "[Error:stepID]" when that step failed.
func substituteRefs(input map[string]any, evidence map[string]Evidence) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok {
			for id, ev := range evidence {
				s = strings.ReplaceAll(s, "["+id+"]", ev.Ref())
			}
			out[k] = s
			continue
		}
		out[k] = v
	}
	return out
}

func (r *rewooRunner) solve(ctx context.Context, input string, plan []PlanStep, evidence map[string]Evidence) (string, error) {
	var lines []string
	for _, step := range plan {
		ev := evidence[step.ID]
		if ev.Success {
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", step.ID, step.Description, truncate(ev.Output, 400)))
		} else {
			lines = append(lines, fmt.Sprintf("[%s] %s failed: %s", step.ID, step.Description, ev.Err))
		}
	}
	resp, err := r.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage("Synthesise the final answer from the evidence. Note any failed steps and work around them."),
			UserModelMessage("Task:\n" + input + "\n\nEvidence:\n" + strings.Join(lines, "\n")),
		},
		Config: r.config,
	})
	if err != nil {
		return "", coerce(err, CategoryNetwork, CodeProviderFailure)
	}
	return resp.Content, nil
}
