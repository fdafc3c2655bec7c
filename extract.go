package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExtractionMethod names a workflow-extraction strategy.
type ExtractionMethod string

const (
	ExtractTemplate ExtractionMethod = "template"
	ExtractLLM      ExtractionMethod = "llm"
	ExtractHybrid   ExtractionMethod = "hybrid"
)

// WorkflowMode is a user-facing task category mapped to an execution
// pattern.
type WorkflowMode struct {
	Name     string   `json:"name"`
	Pattern  Pattern  `json:"pattern"`
	Keywords []string `json:"keywords"`
	Tools    []string `json:"tools,omitempty"`
}

// DefaultModes returns the built-in mode set.
func DefaultModes() []WorkflowMode {
	return []WorkflowMode{
		{
			Name: "editing", Pattern: PatternReAct,
			Keywords: []string{"fix", "edit", "change", "modify", "rename", "run tests", "null check"},
			Tools:    []string{"filesystem", "shell"},
		},
		{
			Name: "debugging", Pattern: PatternProblemSolving,
			Keywords: []string{"debug", "error", "crash", "broken", "failing", "diagnose", "why does"},
			Tools:    []string{"shell", "grep"},
		},
		{
			Name: "planning", Pattern: PatternReWOO,
			Keywords: []string{"plan", "design", "outline", "architecture", "steps to", "roadmap"},
		},
		{
			Name: "creation", Pattern: PatternCreative,
			Keywords: []string{"create", "write a", "generate", "scaffold", "new project", "brainstorm"},
			Tools:    []string{"filesystem"},
		},
		{
			Name: "analysis", Pattern: PatternAnalytical,
			Keywords: []string{"analyze", "compare", "evaluate", "review", "assess", "measure"},
			Tools:    []string{"grep"},
		},
		{
			Name: "research", Pattern: PatternInformational,
			Keywords: []string{"find", "search", "look up", "where is", "list all", "show me"},
			Tools:    []string{"grep"},
		},
		{
			Name: "decomposition", Pattern: PatternADaPT,
			Keywords: []string{"migrate", "refactor the whole", "across the codebase", "large", "break down"},
			Tools:    []string{"filesystem", "shell", "grep"},
		},
	}
}

// Extraction is the outcome of turning free text into a workflow spec.
// On failure, Pattern is conversational so the dispatcher can downgrade
// the request to a prompt.
type Extraction struct {
	Success    bool             `json:"success"`
	Spec       *WorkflowSpec    `json:"spec,omitempty"`
	Confidence float64          `json:"confidence"`
	Method     ExtractionMethod `json:"method"`
	Pattern    Pattern          `json:"pattern"`
	Mode       string           `json:"mode,omitempty"`
	Err        string           `json:"error,omitempty"`
}

// extractionReplySchema validates the LLM's structured extraction reply.
var extractionReplySchema = map[string]any{
	"type":     "object",
	"required": []any{"pattern"},
	"properties": map[string]any{
		"pattern": map[string]any{
			"type": "string",
			"enum": []any{"analytical", "creative", "problem-solving", "informational", "react", "rewoo", "adapt"},
		},
		"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"requiredTools": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"params":        map[string]any{"type": "object"},
	},
}

const extractSystemPrompt = `You turn a coding task into a workflow selection.
Reply with a single JSON object:
{"pattern": "analytical"|"creative"|"problem-solving"|"informational"|"react"|"rewoo"|"adapt", "confidence": 0.0-1.0, "requiredTools": ["..."], "params": {}}.
Choose "react" for iterative edit-and-verify tasks, "rewoo" for plannable multi-step tasks, "adapt" for large decomposable tasks.`

// Extractor produces workflow specs from free text via template matching,
// an LLM, or both.
type Extractor struct {
	Modes     []WorkflowMode
	Provider  Provider
	Config    ModelConfig
	Method    ExtractionMethod
	Threshold float64
	Logger    *slog.Logger

	replySchema *jsonschema.Schema
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractionMethod selects the strategy (default hybrid).
func WithExtractionMethod(m ExtractionMethod) ExtractorOption {
	return func(e *Extractor) { e.Method = m }
}

// WithExtractorModes replaces the default mode set.
func WithExtractorModes(modes []WorkflowMode) ExtractorOption {
	return func(e *Extractor) { e.Modes = modes }
}

// WithExtractorThreshold sets the template score below which hybrid
// extraction consults the LLM (default 0.6).
func WithExtractorThreshold(t float64) ExtractorOption {
	return func(e *Extractor) { e.Threshold = t }
}

// WithExtractorLogger sets the structured logger.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.Logger = l }
}

// NewExtractor creates an extractor. Provider may be nil for template-only
// extraction.
func NewExtractor(provider Provider, config ModelConfig, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		Modes:     DefaultModes(),
		Provider:  provider,
		Config:    config,
		Method:    ExtractHybrid,
		Threshold: 0.6,
		Logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("pilot:///extract-reply.json", extractionReplySchema); err == nil {
		e.replySchema, _ = compiler.Compile("pilot:///extract-reply.json")
	}
	return e
}

// Extract turns free text into a workflow spec, falling back to a
// conversational marker when no valid spec can be produced.
func (e *Extractor) Extract(ctx context.Context, text string, reqCtx RequestContext) Extraction {
	switch e.Method {
	case ExtractTemplate:
		return e.extractTemplate(text)
	case ExtractLLM:
		result := e.extractLLM(ctx, text)
		if !result.Success {
			return result
		}
		return result
	default: // hybrid
		template := e.extractTemplate(text)
		if template.Success && template.Confidence >= e.Threshold {
			template.Method = ExtractHybrid
			return template
		}
		if e.Provider == nil {
			if template.Success {
				template.Method = ExtractHybrid
				return template
			}
			return template
		}
		llm := e.extractLLM(ctx, text)
		llm.Method = ExtractHybrid
		if llm.Success && (!template.Success || llm.Confidence >= template.Confidence) {
			return llm
		}
		if template.Success {
			template.Method = ExtractHybrid
			return template
		}
		return llm
	}
}

func (e *Extractor) extractTemplate(text string) Extraction {
	lower := strings.ToLower(text)
	var best *WorkflowMode
	bestHits := 0
	for i := range e.Modes {
		hits := countIndicators(lower, e.Modes[i].Keywords)
		if hits > bestHits {
			bestHits = hits
			best = &e.Modes[i]
		}
	}
	if best == nil {
		return Extraction{
			Success: false,
			Method:  ExtractTemplate,
			Pattern: PatternConversational,
			Err:     "no workflow mode matched the input",
		}
	}

	conf := 0.4 + 0.15*float64(bestHits)
	if conf > 0.9 {
		conf = 0.9
	}
	spec := buildCanonicalSpec(best.Pattern, nil)
	spec.Params = map[string]any{"input": text, "mode": best.Name}
	spec.RequiredTools = append([]string(nil), best.Tools...)
	if err := spec.Validate(); err != nil {
		return Extraction{
			Success: false,
			Method:  ExtractTemplate,
			Pattern: PatternConversational,
			Err:     err.Error(),
		}
	}
	return Extraction{
		Success:    true,
		Spec:       spec,
		Confidence: conf,
		Method:     ExtractTemplate,
		Pattern:    best.Pattern,
		Mode:       best.Name,
	}
}

func (e *Extractor) extractLLM(ctx context.Context, text string) Extraction {
	fail := func(msg string) Extraction {
		return Extraction{Success: false, Method: ExtractLLM, Pattern: PatternConversational, Err: msg}
	}
	if e.Provider == nil {
		return fail("no model provider configured for extraction")
	}

	resp, err := e.Provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage(extractSystemPrompt),
			UserModelMessage(text),
		},
		Config: e.Config,
	})
	if err != nil {
		return fail(fmt.Sprintf("extraction model call failed: %v", err))
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return fail("no JSON object in extraction reply")
	}
	raw := resp.Content[start : end+1]

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fail(fmt.Sprintf("unparseable extraction reply: %v", err))
	}
	if e.replySchema != nil {
		if err := e.replySchema.Validate(doc); err != nil {
			return fail(fmt.Sprintf("extraction reply failed validation: %v", err))
		}
	}

	var parsed struct {
		Pattern       string         `json:"pattern"`
		Confidence    float64        `json:"confidence"`
		RequiredTools []string       `json:"requiredTools"`
		Params        map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fail(fmt.Sprintf("unparseable extraction reply: %v", err))
	}

	pattern := Pattern(parsed.Pattern)
	spec := buildCanonicalSpec(pattern, nil)
	if parsed.Params == nil {
		parsed.Params = make(map[string]any)
	}
	parsed.Params["input"] = text
	spec.Params = parsed.Params
	spec.RequiredTools = parsed.RequiredTools
	if err := spec.Validate(); err != nil {
		return fail(err.Error())
	}

	conf := clamp01(parsed.Confidence)
	if conf == 0 {
		conf = 0.5
	}
	e.Logger.Debug("llm extraction", "pattern", pattern, "confidence", conf)
	return Extraction{
		Success:    true,
		Spec:       spec,
		Confidence: conf,
		Method:     ExtractLLM,
		Pattern:    pattern,
	}
}
