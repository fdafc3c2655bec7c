package pilot

// Pattern names a workflow execution strategy.
type Pattern string

const (
	PatternReAct          Pattern = "react"
	PatternReWOO          Pattern = "rewoo"
	PatternADaPT          Pattern = "adapt"
	PatternAnalytical     Pattern = "analytical"
	PatternCreative       Pattern = "creative"
	PatternProblemSolving Pattern = "problem-solving"
	PatternInformational  Pattern = "informational"
	// PatternConversational is the downgrade target when extraction fails;
	// it never reaches the engine.
	PatternConversational Pattern = "conversational"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternReAct, PatternReWOO, PatternADaPT, PatternAnalytical,
		PatternCreative, PatternProblemSolving, PatternInformational,
		PatternConversational:
		return true
	}
	return false
}

// AllowsCycles reports whether the pattern permits back-edges. Iterative
// patterns loop by construction; everything else must be a DAG.
func (p Pattern) AllowsCycles() bool {
	return p == PatternReAct || p == PatternADaPT
}

// Node kinds.
const (
	NodeInput         = "input"
	NodeProcessing    = "processing"
	NodeTool          = "tool"
	NodeReasoning     = "reasoning"
	NodeOutput        = "output"
	NodeDecomposition = "decomposition"
)

// Node is one step in a workflow graph. Kind selects the handler; Config
// is handler-specific.
type Node struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed dependency between two nodes. Condition, when set,
// names a state key that must be truthy for the edge to be taken.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowSpec is a validated workflow graph ready for compilation.
type WorkflowSpec struct {
	WorkflowID    string         `json:"workflow_id"`
	Pattern       Pattern        `json:"pattern"`
	Entry         string         `json:"entry"`
	Nodes         []Node         `json:"nodes"`
	Edges         []Edge         `json:"edges"`
	Params        map[string]any `json:"params,omitempty"`
	RequiredTools []string       `json:"required_tools,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the structural invariants: a known pattern, exactly one
// entry node that exists, unique node IDs, edges referencing known nodes,
// and acyclicity for every pattern that does not loop by design.
func (s *WorkflowSpec) Validate() error {
	if !s.Pattern.Valid() {
		return Validationf(CodeValidation, "workflow %s: unknown pattern %q", s.WorkflowID, s.Pattern)
	}
	if len(s.Nodes) == 0 {
		return Validationf(CodeValidation, "workflow %s: no nodes", s.WorkflowID)
	}
	ids := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return Validationf(CodeValidation, "workflow %s: node with empty id", s.WorkflowID)
		}
		if ids[n.ID] {
			return Validationf(CodeValidation, "workflow %s: duplicate node id %q", s.WorkflowID, n.ID)
		}
		ids[n.ID] = true
	}
	if s.Entry == "" {
		return Validationf(CodeValidation, "workflow %s: no entry node", s.WorkflowID)
	}
	if !ids[s.Entry] {
		return Validationf(CodeValidation, "workflow %s: entry %q is not a node", s.WorkflowID, s.Entry)
	}
	for _, e := range s.Edges {
		if !ids[e.From] || !ids[e.To] {
			return Validationf(CodeValidation,
				"workflow %s: edge %s->%s references unknown node", s.WorkflowID, e.From, e.To)
		}
	}
	if !s.Pattern.AllowsCycles() {
		if _, err := topoOrder(s.Nodes, s.Edges); err != nil {
			return Validationf(CodeValidation, "workflow %s: %v", s.WorkflowID, err).
				With("pattern", string(s.Pattern))
		}
	}
	return nil
}

// topoOrder returns a topological ordering of the nodes using Kahn's
// algorithm, preserving declaration order among ready nodes. Fails if the
// graph has a cycle.
func topoOrder(nodes []Node, edges []Edge) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string)
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, e := range edges {
		successors[e.From] = append(successors[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, Validationf(CodeValidation, "graph contains a cycle")
	}
	return order, nil
}

// reachableFrom returns the set of node IDs reachable from entry.
func reachableFrom(entry string, edges []Edge) map[string]bool {
	successors := make(map[string][]string)
	for _, e := range edges {
		successors[e.From] = append(successors[e.From], e.To)
	}
	seen := map[string]bool{entry: true}
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range successors[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// WorkflowState is the accumulated state flowing through a workflow run.
// Conventional keys: input, context, toolResults, steps, perf, output.
type WorkflowState map[string]any

// StatePatch is a node's contribution to the state, merged by ApplyPatch.
type StatePatch map[string]any

// Clone returns a shallow copy with the list and perf keys deep-copied so
// checkpoints never alias live state.
func (s WorkflowState) Clone() WorkflowState {
	out := make(WorkflowState, len(s))
	for k, v := range s {
		switch k {
		case "toolResults", "steps":
			if list, ok := v.([]any); ok {
				v = append([]any(nil), list...)
			}
		case "perf":
			if m, ok := v.(map[string]any); ok {
				cp := make(map[string]any, len(m))
				for mk, mv := range m {
					cp[mk] = mv
				}
				v = cp
			}
		}
		out[k] = v
	}
	return out
}

// ApplyPatch merges a patch into the state and returns the updated state.
// toolResults and steps append, perf merges by key, all other keys
// overwrite. The input state is not mutated.
func ApplyPatch(state WorkflowState, patch StatePatch) WorkflowState {
	out := state.Clone()
	for k, v := range patch {
		switch k {
		case "toolResults", "steps":
			existing, _ := out[k].([]any)
			out[k] = append(existing, toList(v)...)
		case "perf":
			existing, _ := out[k].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
			}
			if m, ok := v.(map[string]any); ok {
				for mk, mv := range m {
					existing[mk] = mv
				}
			}
			out[k] = existing
		default:
			out[k] = v
		}
	}
	return out
}

// toList coerces a patch value into an appendable list: a list value
// appends element-wise, anything else appends as a single element.
func toList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
