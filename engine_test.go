package pilot

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func newDeterministicEngine(store Store, opts ...EngineOption) *Engine {
	_, _, tools := newToolStack(&stubTool{name: "echo", safe: true})
	return NewEngine(nil, ModelConfig{}, tools, store, opts...)
}

func TestCreateWorkflowRejectsConversational(t *testing.T) {
	e := newDeterministicEngine(nil)
	if _, err := e.CreateWorkflow(PatternConversational, nil); !IsCode(err, CodeValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestCreateWorkflowCanonicalChain(t *testing.T) {
	e := newDeterministicEngine(nil)

	tests := []struct {
		pattern Pattern
		insert  string
	}{
		{PatternAnalytical, "sequentialThinking"},
		{PatternCreative, "ideation"},
		{PatternProblemSolving, "diagnostics"},
		{PatternReAct, "reactLoop"},
		{PatternReWOO, "rewooExecute"},
		{PatternADaPT, "adaptDecompose"},
		{PatternInformational, ""},
	}
	for _, tt := range tests {
		wf, err := e.CreateWorkflow(tt.pattern, nil)
		if err != nil {
			t.Fatalf("%s: CreateWorkflow: %v", tt.pattern, err)
		}
		wantNodes := 6
		if tt.insert != "" {
			wantNodes = 7
		}
		if len(wf.Spec.Nodes) != wantNodes {
			t.Errorf("%s: node count = %d, want %d", tt.pattern, len(wf.Spec.Nodes), wantNodes)
		}
		found := tt.insert == ""
		for _, n := range wf.Spec.Nodes {
			if n.ID == tt.insert {
				found = true
				if tt.pattern == PatternADaPT && n.Kind != NodeDecomposition {
					t.Errorf("adapt insert kind = %s, want decomposition", n.Kind)
				}
			}
		}
		if !found {
			t.Errorf("%s: pattern node %q missing", tt.pattern, tt.insert)
		}
	}
}

func TestCompileRejectsUnreachableNode(t *testing.T) {
	e := newDeterministicEngine(nil)
	spec := linearSpec(PatternAnalytical, "a", "b")
	spec.Nodes = append(spec.Nodes, Node{ID: "island", Kind: NodeProcessing})
	if _, err := e.Compile(&spec); !IsCode(err, CodeValidation) {
		t.Fatalf("err = %v, want VALIDATION for unreachable node", err)
	}
}

func TestExecuteInformationalDeterministic(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, err := e.CreateWorkflow(PatternInformational, nil)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	result, err := e.Execute(context.Background(), wf, WorkflowState{"input": "what is Go?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantPath := []string{"processInput", "enrichContext", "executeTools", "reasoning", "synthesize", "formatOutput"}
	if !reflect.DeepEqual(result.ExecutionPath, wantPath) {
		t.Errorf("path = %v", result.ExecutionPath)
	}
	// Without a provider or tool evidence the deterministic chain reports
	// the empty-evidence summary.
	if got := stateString(result.FinalState, "output"); got != "no tool evidence gathered" {
		t.Errorf("output = %q", got)
	}
	perf, _ := result.FinalState["perf"].(map[string]any)
	if perf["startMs"] == nil || perf["endMs"] == nil {
		t.Errorf("perf incomplete: %v", perf)
	}
}

func TestExecuteEmptyInputFails(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, _ := e.CreateWorkflow(PatternInformational, nil)
	_, err := e.Execute(context.Background(), wf, WorkflowState{"input": "   "})
	if !IsCode(err, CodeValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestExecuteRunsPendingToolCalls(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, _ := e.CreateWorkflow(PatternInformational, nil)

	state := WorkflowState{
		"input": "echo something",
		"pendingToolCalls": []any{
			map[string]any{"tool_name": "echo", "input": map[string]any{"text": "hi"}},
		},
	}
	result, err := e.Execute(context.Background(), wf, state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	results, _ := result.FinalState["toolResults"].([]any)
	if len(results) != 1 {
		t.Fatalf("toolResults = %d, want 1", len(results))
	}
	tr, _ := results[0].(ToolResult)
	if !tr.Success || tr.Output != "echo: hi" {
		t.Errorf("tool result = %+v", tr)
	}
	if got := stateString(result.FinalState, "output"); !strings.Contains(got, "echo: hi") {
		t.Errorf("output does not carry tool evidence: %q", got)
	}
}

func TestStreamExecChunks(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, _ := e.CreateWorkflow(PatternInformational, nil)

	ch := make(chan EngineChunk, 16)
	_, err := e.StreamExec(context.Background(), wf, WorkflowState{"input": "hello"}, ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamExec: %v", err)
	}

	var chunks []EngineChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 6 {
		t.Fatalf("chunks = %d, want one per node", len(chunks))
	}
	for i, chunk := range chunks {
		wantFinal := i == len(chunks)-1
		if chunk.Final != wantFinal {
			t.Errorf("chunk %d (%s) final = %t", i, chunk.NodeID, chunk.Final)
		}
		if chunk.Err != "" {
			t.Errorf("chunk %d carries error %q", i, chunk.Err)
		}
	}
	if chunks[len(chunks)-1].NodeID != "formatOutput" {
		t.Errorf("last chunk node = %s", chunks[len(chunks)-1].NodeID)
	}
}

func TestStreamExecErrorChunk(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, _ := e.CreateWorkflow(PatternInformational, nil)

	ch := make(chan EngineChunk, 16)
	_, err := e.StreamExec(context.Background(), wf, WorkflowState{"input": ""}, ch)
	close(ch)
	if err == nil {
		t.Fatal("expected a validation error")
	}

	var chunks []EngineChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want a single error chunk", len(chunks))
	}
	if !chunks[0].Final || chunks[0].Err == "" {
		t.Errorf("error chunk = %+v", chunks[0])
	}
}

func TestExecuteCheckpointsEveryNode(t *testing.T) {
	store := newFakeStore()
	e := newDeterministicEngine(store, WithCheckpointing(true))
	wf, _ := e.CreateWorkflow(PatternInformational, nil)

	if _, err := e.Execute(context.Background(), wf, WorkflowState{"input": "hello"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := store.checkpointCount(); got != 6 {
		t.Errorf("checkpoints = %d, want 6", got)
	}
	cp, err := store.GetCheckpoint(context.Background(), wf.Spec.WorkflowID, 5)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.NodeID != "formatOutput" {
		t.Errorf("last checkpoint node = %s", cp.NodeID)
	}
}

func TestEnrichContextReadsHistory(t *testing.T) {
	store := newFakeStore()
	store.seedSession("s1", UserTurn("earlier question"), AssistantTurn("earlier answer"))
	e := newDeterministicEngine(store)
	wf, _ := e.CreateWorkflow(PatternInformational, nil)

	result, err := e.Execute(context.Background(), wf, WorkflowState{
		"input":     "follow-up",
		"sessionId": "s1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	contextMap, _ := result.FinalState["context"].(map[string]any)
	history, _ := contextMap["history"].(string)
	if !strings.Contains(history, "earlier question") || !strings.Contains(history, "assistant: earlier answer") {
		t.Errorf("history = %q", history)
	}
}

func TestCustomNodeSetsState(t *testing.T) {
	e := newDeterministicEngine(nil)
	wf, err := e.CreateWorkflow(PatternInformational, &Customization{
		Nodes: []Node{{ID: "tag", Kind: NodeProcessing, Config: map[string]any{
			"set": map[string]any{"labelled": true},
		}}},
		Edges: []Edge{{From: "formatOutput", To: "tag"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	result, err := e.Execute(context.Background(), wf, WorkflowState{"input": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.FinalState["labelled"] != true {
		t.Errorf("custom node patch missing: %v", result.FinalState["labelled"])
	}
}

func TestConditionalEdgeSkipsNode(t *testing.T) {
	e := newDeterministicEngine(nil)
	spec := WorkflowSpec{
		WorkflowID: "wf-cond",
		Pattern:    PatternAnalytical,
		Entry:      "start",
		Nodes: []Node{
			{ID: "start", Kind: NodeProcessing, Config: map[string]any{
				"set": map[string]any{"approved": false},
			}},
			{ID: "gated", Kind: NodeProcessing, Config: map[string]any{
				"set": map[string]any{"ran": true},
			}},
		},
		Edges: []Edge{{From: "start", To: "gated", Condition: "approved"}},
	}
	wf, err := e.Compile(&spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	result, err := e.Execute(context.Background(), wf, WorkflowState{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.FinalState["ran"] == true {
		t.Error("gated node ran despite falsy condition")
	}
	if !reflect.DeepEqual(result.ExecutionPath, []string{"start"}) {
		t.Errorf("path = %v", result.ExecutionPath)
	}
}

func TestPrecompileCachesWorkflows(t *testing.T) {
	e := newDeterministicEngine(nil)
	if err := e.Precompile([]Pattern{PatternReAct, PatternInformational}); err != nil {
		t.Fatalf("Precompile: %v", err)
	}
	if _, ok := e.GetCompiled(PatternReAct); !ok {
		t.Error("react workflow not cached")
	}
	if _, ok := e.GetCompiled(PatternCreative); ok {
		t.Error("uncompiled pattern reported cached")
	}
}
