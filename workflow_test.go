package pilot

import (
	"reflect"
	"testing"
)

func linearSpec(pattern Pattern, ids ...string) WorkflowSpec {
	spec := WorkflowSpec{
		WorkflowID: "wf-test",
		Pattern:    pattern,
		Entry:      ids[0],
	}
	for _, id := range ids {
		spec.Nodes = append(spec.Nodes, Node{ID: id, Kind: NodeProcessing})
	}
	for i := 0; i+1 < len(ids); i++ {
		spec.Edges = append(spec.Edges, Edge{From: ids[i], To: ids[i+1]})
	}
	return spec
}

func TestWorkflowSpecValidate(t *testing.T) {
	valid := linearSpec(PatternAnalytical, "a", "b", "c")
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*WorkflowSpec)
	}{
		{"unknown pattern", func(s *WorkflowSpec) { s.Pattern = "mystery" }},
		{"no nodes", func(s *WorkflowSpec) { s.Nodes = nil }},
		{"empty node id", func(s *WorkflowSpec) { s.Nodes[1].ID = "" }},
		{"duplicate node id", func(s *WorkflowSpec) { s.Nodes[1].ID = "a" }},
		{"missing entry", func(s *WorkflowSpec) { s.Entry = "" }},
		{"entry not a node", func(s *WorkflowSpec) { s.Entry = "zz" }},
		{"edge to unknown node", func(s *WorkflowSpec) {
			s.Edges = append(s.Edges, Edge{From: "a", To: "zz"})
		}},
		{"cycle in dag pattern", func(s *WorkflowSpec) {
			s.Edges = append(s.Edges, Edge{From: "c", To: "a"})
		}},
	}
	for _, tt := range tests {
		spec := linearSpec(PatternAnalytical, "a", "b", "c")
		tt.mutate(&spec)
		if err := spec.Validate(); !IsCode(err, CodeValidation) {
			t.Errorf("%s: err = %v, want VALIDATION", tt.name, err)
		}
	}
}

func TestWorkflowSpecCycleAllowedForIterativePatterns(t *testing.T) {
	for _, pattern := range []Pattern{PatternReAct, PatternADaPT} {
		spec := linearSpec(pattern, "a", "b", "c")
		spec.Edges = append(spec.Edges, Edge{From: "c", To: "a"})
		if err := spec.Validate(); err != nil {
			t.Errorf("%s: cycle rejected: %v", pattern, err)
		}
	}
}

func TestTopoOrderPreservesDeclarationOrder(t *testing.T) {
	// b and c are both ready after a; declaration order breaks the tie.
	nodes := []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	edges := []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}}
	order, err := topoOrder(nodes, edges)
	if err != nil {
		t.Fatalf("topoOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c", "d"}) {
		t.Errorf("order = %v", order)
	}
}

func TestReachableFrom(t *testing.T) {
	edges := []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "x", To: "y"}}
	seen := reachableFrom("a", edges)
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("%s not reachable", id)
		}
	}
	if seen["x"] || seen["y"] {
		t.Error("disconnected nodes reported reachable")
	}
}

func TestApplyPatchMergeSemantics(t *testing.T) {
	state := WorkflowState{
		"toolResults": []any{"r1"},
		"perf":        map[string]any{"startMs": int64(10)},
		"reasoning":   "old",
	}
	patch := StatePatch{
		"toolResults": []any{"r2", "r3"},
		"steps":       "single step",
		"perf":        map[string]any{"endMs": int64(20)},
		"reasoning":   "new",
	}
	out := ApplyPatch(state, patch)

	if got := out["toolResults"].([]any); !reflect.DeepEqual(got, []any{"r1", "r2", "r3"}) {
		t.Errorf("toolResults = %v", got)
	}
	// Scalar patch values for list keys append as one element.
	if got := out["steps"].([]any); !reflect.DeepEqual(got, []any{"single step"}) {
		t.Errorf("steps = %v", got)
	}
	perf := out["perf"].(map[string]any)
	if perf["startMs"] != int64(10) || perf["endMs"] != int64(20) {
		t.Errorf("perf = %v", perf)
	}
	if out["reasoning"] != "new" {
		t.Errorf("reasoning = %v", out["reasoning"])
	}

	// The input state must be untouched.
	if got := state["toolResults"].([]any); len(got) != 1 {
		t.Errorf("input state mutated: toolResults = %v", got)
	}
	if state["reasoning"] != "old" {
		t.Errorf("input state mutated: reasoning = %v", state["reasoning"])
	}
}

func TestWorkflowStateCloneBreaksAliasing(t *testing.T) {
	state := WorkflowState{
		"toolResults": []any{"r1"},
		"steps":       []any{"s1"},
		"perf":        map[string]any{"startMs": int64(1)},
	}
	cp := state.Clone()

	cp["toolResults"] = append(cp["toolResults"].([]any), "r2")
	cp["perf"].(map[string]any)["endMs"] = int64(2)

	if len(state["toolResults"].([]any)) != 1 {
		t.Error("clone shares the toolResults slice")
	}
	if _, ok := state["perf"].(map[string]any)["endMs"]; ok {
		t.Error("clone shares the perf map")
	}
}
