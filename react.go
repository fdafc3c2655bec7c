package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// defaultMaxSteps bounds the think-act-observe loop.
const defaultMaxSteps = 10

// ReActStep is one iteration of the loop: what the model thought, which
// tool it chose, and what came back.
type ReActStep struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	Input       map[string]any `json:"input,omitempty"`
	Observation string         `json:"observation"`
}

// reactRunner executes the iterative think → act → observe → decide loop.
// Completion happens when the model finishes or the step budget runs out.
type reactRunner struct {
	provider Provider
	config   ModelConfig
	tools    ToolGateway
	maxSteps int
	logger   *slog.Logger
}

const reactActionFinish = "finish"

func (r *reactRunner) systemPrompt() string {
	var tools []string
	if r.tools != nil {
		for _, t := range r.tools.Discover("") {
			tools = append(tools, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
		}
	}
	return fmt.Sprintf(`You solve tasks iteratively. Each turn, reply with a single JSON object:
{"thought": "...", "action": "<tool name or %q>", "input": {...}, "final_answer": "..."}.
Use "action": %q with "final_answer" when done.
Available tools:
%s`, reactActionFinish, reactActionFinish, strings.Join(tools, "\n"))
}

type reactReply struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	Input       map[string]any `json:"input"`
	FinalAnswer string         `json:"final_answer"`
}

// Run executes the loop and patches the workflow state with the step
// records, tool evidence, and closing reasoning.
func (r *reactRunner) Run(ctx context.Context, state WorkflowState) (StatePatch, error) {
	if r.provider == nil {
		return StatePatch{"steps": "react loop skipped (no provider)"}, nil
	}
	input := stateString(state, "input")
	sessionID := stateString(state, "sessionId")

	messages := []ModelMessage{
		SystemModelMessage(r.systemPrompt()),
		UserModelMessage(input),
	}

	var (
		steps       []ReActStep
		toolResults []any
		finalAnswer string
	)
	complete := false

	for step := 0; step < r.maxSteps && !complete; step++ {
		if err := ctx.Err(); err != nil {
			return nil, FromContext(err)
		}

		resp, err := r.provider.Invoke(ctx, ModelRequest{Messages: messages, Config: r.config})
		if err != nil {
			return nil, coerce(err, CategoryNetwork, CodeProviderFailure)
		}
		reply, err := parseReactReply(resp.Content)
		if err != nil {
			// One malformed reply is recoverable; feed the error back.
			messages = append(messages,
				AssistantModelMessage(resp.Content),
				UserModelMessage("Reply was not valid JSON. Answer again with a single JSON object."))
			continue
		}

		record := ReActStep{Thought: reply.Thought, Action: reply.Action, Input: reply.Input}

		if reply.Action == reactActionFinish || reply.Action == "" {
			finalAnswer = reply.FinalAnswer
			if finalAnswer == "" {
				finalAnswer = reply.Thought
			}
			record.Observation = "task complete"
			steps = append(steps, record)
			complete = true
			break
		}

		if r.tools == nil || !r.tools.Has(reply.Action) {
			record.Observation = fmt.Sprintf("unknown tool %q", reply.Action)
		} else {
			result := r.tools.Execute(ctx, ToolCall{
				CallID:    NewID(),
				ToolName:  reply.Action,
				Input:     reply.Input,
				Context:   map[string]any{"session_id": sessionID},
				Timestamp: timeNow(),
			})
			toolResults = append(toolResults, result)
			if result.Success {
				record.Observation = result.Output
			} else {
				record.Observation = "tool failed: " + result.Err
			}
		}
		steps = append(steps, record)
		r.logger.Debug("react step", "step", step, "action", reply.Action)

		messages = append(messages,
			AssistantModelMessage(resp.Content),
			UserModelMessage("Observation: "+truncate(record.Observation, 2000)))
	}

	if !complete && finalAnswer == "" {
		finalAnswer = "step budget exhausted before completion"
	}

	stepNotes := make([]any, 0, len(steps))
	for i, s := range steps {
		stepNotes = append(stepNotes, fmt.Sprintf("react[%d] %s -> %s", i, s.Action, truncate(s.Observation, 120)))
	}
	return StatePatch{
		"reactSteps":    steps,
		"reactComplete": complete,
		"reasoning":     finalAnswer,
		"toolResults":   toolResults,
		"steps":         stepNotes,
	}, nil
}

func parseReactReply(content string) (reactReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return reactReply{}, Validationf(CodeExtractionFailed, "no JSON object in reply")
	}
	var reply reactReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return reactReply{}, Validationf(CodeExtractionFailed, "unparseable reply: %v", err)
	}
	return reply, nil
}
