package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Method is one classification strategy. Implementations must be safe for
// concurrent use.
type Method interface {
	Name() ClassifyMethod
	// ExpectedAccuracy is the strategy's self-reported accuracy in [0,1].
	ExpectedAccuracy() float64
	// AverageLatency is the strategy's typical cost, used for selection
	// diagnostics only.
	AverageLatency() time.Duration
	Classify(ctx context.Context, text string, reqCtx RequestContext) (ClassificationResult, error)
}

// DefaultCommandPrefix marks command inputs.
const DefaultCommandPrefix = "/"

// Per-kind confidence ceilings for the rule method.
const (
	ruleCommandConfidence   = 1.0
	rulePromptThreshold     = 0.8
	ruleWorkflowThreshold   = 0.7
	defaultConfidenceFloor  = 0.1
	classifierBlendPenalty  = 0.2
	hybridConfidenceDefault = 0.8
)

// DefaultPromptIndicators are keywords suggesting a conversational prompt.
func DefaultPromptIndicators() []string {
	return []string{
		"what", "why", "how", "explain", "describe", "tell me", "help me understand",
		"difference between", "meaning", "hello", "hi", "thanks",
	}
}

// DefaultWorkflowIndicators are keywords suggesting a multi-step task.
func DefaultWorkflowIndicators() []string {
	return []string{
		"fix", "implement", "refactor", "create", "build", "add", "remove",
		"update", "run tests", "debug", "deploy", "migrate", "and then",
		"step by step", "analyze the codebase", "write a",
	}
}

// --- Rule method ---

// RuleMethod classifies deterministically: the command prefix wins
// outright, otherwise keyword indicators are scored per kind.
type RuleMethod struct {
	Prefix             string
	PromptIndicators   []string
	WorkflowIndicators []string
}

// NewRuleMethod creates a rule classifier with the default indicator sets.
func NewRuleMethod() *RuleMethod {
	return &RuleMethod{
		Prefix:             DefaultCommandPrefix,
		PromptIndicators:   DefaultPromptIndicators(),
		WorkflowIndicators: DefaultWorkflowIndicators(),
	}
}

func (m *RuleMethod) Name() ClassifyMethod          { return MethodRule }
func (m *RuleMethod) ExpectedAccuracy() float64     { return 0.7 }
func (m *RuleMethod) AverageLatency() time.Duration { return time.Millisecond }

func (m *RuleMethod) Classify(_ context.Context, text string, _ RequestContext) (ClassificationResult, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, m.Prefix) {
		name, args := splitCommand(trimmed, m.Prefix)
		return ClassificationResult{
			Kind:       KindCommand,
			Confidence: ruleCommandConfidence,
			Method:     MethodRule,
			Reasoning:  "input starts with command prefix",
			Extracted:  map[string]any{"name": name, "args": args},
		}, nil
	}

	lower := strings.ToLower(trimmed)
	promptHits := countIndicators(lower, m.PromptIndicators)
	workflowHits := countIndicators(lower, m.WorkflowIndicators)

	// Ties break toward the kind with the higher threshold (prompt).
	kind, hits, ceiling := KindPrompt, promptHits, rulePromptThreshold
	if workflowHits > promptHits {
		kind, hits, ceiling = KindWorkflow, workflowHits, ruleWorkflowThreshold
	}
	conf := 0.5 + 0.1*float64(hits)
	if conf > ceiling {
		conf = ceiling
	}
	return ClassificationResult{
		Kind:       kind,
		Confidence: conf,
		Method:     MethodRule,
		Reasoning:  fmt.Sprintf("keyword indicators: prompt=%d workflow=%d", promptHits, workflowHits),
	}, nil
}

// splitCommand separates "/name arg arg" into the name and raw argument
// tokens. Full flag parsing belongs to the command handler.
func splitCommand(text, prefix string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func countIndicators(lower string, indicators []string) int {
	hits := 0
	for _, ind := range indicators {
		if strings.Contains(lower, ind) {
			hits++
		}
	}
	return hits
}

// --- LLM method ---

const classifySystemPrompt = `You classify user input for a coding assistant.
Reply with a single JSON object: {"kind": "command"|"prompt"|"workflow", "confidence": 0.0-1.0, "reasoning": "..."}.
"command" is a slash command, "prompt" is a conversational question, "workflow" is a multi-step task needing tools.`

// LLMMethod classifies via a model call returning structured JSON. A parse
// failure retries once before giving up.
type LLMMethod struct {
	Provider Provider
	Config   ModelConfig
	Logger   *slog.Logger
}

// NewLLMMethod creates an LLM classifier over the given provider.
func NewLLMMethod(provider Provider, config ModelConfig) *LLMMethod {
	return &LLMMethod{Provider: provider, Config: config, Logger: nopLogger}
}

func (m *LLMMethod) Name() ClassifyMethod          { return MethodLLM }
func (m *LLMMethod) ExpectedAccuracy() float64     { return 0.9 }
func (m *LLMMethod) AverageLatency() time.Duration { return 800 * time.Millisecond }

func (m *LLMMethod) Classify(ctx context.Context, text string, _ RequestContext) (ClassificationResult, error) {
	return m.classifyAt(ctx, text, m.Config.Temperature)
}

func (m *LLMMethod) classifyAt(ctx context.Context, text string, temperature float64) (ClassificationResult, error) {
	config := m.Config
	config.Temperature = temperature
	req := ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage(classifySystemPrompt),
			UserModelMessage(text),
		},
		Config: config,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := m.Provider.Invoke(ctx, req)
		if err != nil {
			return ClassificationResult{}, coerce(err, CategoryNetwork, CodeProviderFailure)
		}
		result, err := parseClassification(resp.Content)
		if err == nil {
			result.Method = MethodLLM
			return result, nil
		}
		lastErr = err
		m.Logger.Debug("classification parse failed, retrying", "attempt", attempt, "error", err)
	}
	return ClassificationResult{}, lastErr
}

func parseClassification(content string) (ClassificationResult, error) {
	// Models wrap JSON in prose often enough that we carve out the first
	// object literal.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ClassificationResult{}, Validationf(CodeExtractionFailed, "no JSON object in classification reply")
	}
	var parsed struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return ClassificationResult{}, Validationf(CodeExtractionFailed, "unparseable classification reply: %v", err)
	}
	kind := Kind(parsed.Kind)
	switch kind {
	case KindCommand, KindPrompt, KindWorkflow:
	default:
		return ClassificationResult{}, Validationf(CodeExtractionFailed, "unknown kind %q in classification reply", parsed.Kind)
	}
	return ClassificationResult{
		Kind:       kind,
		Confidence: clamp01(parsed.Confidence),
		Reasoning:  parsed.Reasoning,
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// --- Hybrid method ---

// HybridMethod runs the rule method first and consults the LLM only when
// the rule is unsure. The LLM result carries the blended confidence
// max(rule, llm).
type HybridMethod struct {
	Rule                *RuleMethod
	LLM                 *LLMMethod
	ConfidenceThreshold float64
}

// NewHybridMethod creates a hybrid classifier with the default threshold.
func NewHybridMethod(rule *RuleMethod, llm *LLMMethod) *HybridMethod {
	return &HybridMethod{Rule: rule, LLM: llm, ConfidenceThreshold: hybridConfidenceDefault}
}

func (m *HybridMethod) Name() ClassifyMethod          { return MethodHybrid }
func (m *HybridMethod) ExpectedAccuracy() float64     { return 0.92 }
func (m *HybridMethod) AverageLatency() time.Duration { return 400 * time.Millisecond }

func (m *HybridMethod) Classify(ctx context.Context, text string, reqCtx RequestContext) (ClassificationResult, error) {
	ruleResult, err := m.Rule.Classify(ctx, text, reqCtx)
	if err == nil && ruleResult.Confidence >= m.ConfidenceThreshold {
		ruleResult.Method = MethodHybrid
		if ruleResult.Metadata == nil {
			ruleResult.Metadata = make(map[string]any)
		}
		ruleResult.Metadata["resolved_by"] = string(MethodRule)
		return ruleResult, nil
	}

	llmResult, llmErr := m.LLM.Classify(ctx, text, reqCtx)
	if llmErr != nil {
		if err != nil {
			return ClassificationResult{}, llmErr
		}
		ruleResult.Method = MethodHybrid
		return ruleResult, nil
	}
	if llmResult.Confidence < ruleResult.Confidence {
		llmResult.Confidence = ruleResult.Confidence
	}
	llmResult.Method = MethodHybrid
	if llmResult.Metadata == nil {
		llmResult.Metadata = make(map[string]any)
	}
	llmResult.Metadata["resolved_by"] = string(MethodLLM)
	llmResult.Metadata["rule_confidence"] = ruleResult.Confidence
	return llmResult, nil
}

// --- Ensemble method ---

// ensembleVariant is one weighted LLM run at a fixed temperature.
type ensembleVariant struct {
	Temperature float64
	Weight      float64
}

// EnsembleMethod runs three LLM variants concurrently and resolves by
// weighted voting.
type EnsembleMethod struct {
	LLM              *LLMMethod
	Variants         []ensembleVariant
	MinimumAgreement float64
}

// NewEnsembleMethod creates an ensemble classifier with the default three
// temperature variants and equal weights.
func NewEnsembleMethod(llm *LLMMethod) *EnsembleMethod {
	return &EnsembleMethod{
		LLM: llm,
		Variants: []ensembleVariant{
			{Temperature: 0.1, Weight: 1.0},
			{Temperature: 0.3, Weight: 1.0},
			{Temperature: 0.5, Weight: 1.0},
		},
		MinimumAgreement: 0.6,
	}
}

func (m *EnsembleMethod) Name() ClassifyMethod          { return MethodEnsemble }
func (m *EnsembleMethod) ExpectedAccuracy() float64     { return 0.95 }
func (m *EnsembleMethod) AverageLatency() time.Duration { return 1200 * time.Millisecond }

func (m *EnsembleMethod) Classify(ctx context.Context, text string, _ RequestContext) (ClassificationResult, error) {
	type voteResult struct {
		result ClassificationResult
		weight float64
		err    error
	}
	votes := make([]voteResult, len(m.Variants))
	var wg sync.WaitGroup
	for i, variant := range m.Variants {
		wg.Add(1)
		go func(i int, variant ensembleVariant) {
			defer wg.Done()
			result, err := m.LLM.classifyAt(ctx, text, variant.Temperature)
			votes[i] = voteResult{result: result, weight: variant.Weight, err: err}
		}(i, variant)
	}
	wg.Wait()

	// Tally weighted votes and confidences per kind.
	tally := make(map[Kind]*struct {
		votes       float64
		confidences []float64
	})
	totalWeight := 0.0
	succeeded := 0
	for _, v := range votes {
		if v.err != nil {
			continue
		}
		succeeded++
		totalWeight += v.weight
		t := tally[v.result.Kind]
		if t == nil {
			t = &struct {
				votes       float64
				confidences []float64
			}{}
			tally[v.result.Kind] = t
		}
		t.votes += v.weight
		t.confidences = append(t.confidences, v.result.Confidence)
	}
	if succeeded == 0 {
		for _, v := range votes {
			if v.err != nil {
				return ClassificationResult{}, v.err
			}
		}
		return ClassificationResult{}, Systemf(CodeInternal, "ensemble produced no votes")
	}

	var winner Kind
	best := -1.0
	for kind, t := range tally {
		score := t.votes * mean(t.confidences)
		if score > best {
			best = score
			winner = kind
		}
	}

	winning := tally[winner]
	agreement := winning.votes / totalWeight
	meanConf := mean(winning.confidences)
	bonus := 0.0
	if agreement >= m.MinimumAgreement {
		bonus = 0.1
	}
	final := math.Min(0.99, meanConf*agreement+bonus)

	return ClassificationResult{
		Kind:       winner,
		Confidence: final,
		Method:     MethodEnsemble,
		Reasoning:  fmt.Sprintf("ensemble: %d/%d variants agree on %s", len(winning.confidences), succeeded, winner),
		Metadata: map[string]any{
			"agreement_score":  round3(agreement),
			"mean_confidence":  round3(meanConf),
			"variant_count":    len(m.Variants),
			"succeeded_count":  succeeded,
			"winning_votes":    winning.votes,
			"weight_total":     totalWeight,
			"winner_raw_score": round3(best),
		},
	}, nil
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// --- Classifier (method selection, fallback, escalation) ---

// Classifier selects a method per request, falls back on failure, and
// escalates uncertain results to the ensemble when configured.
type Classifier struct {
	methods              map[ClassifyMethod]Method
	defaultMethod        ClassifyMethod
	fallbackMethod       ClassifyMethod
	confidenceThreshold  float64
	ensembleForUncertain bool
	commandPrefix        string
	logger               *slog.Logger
	tracer               Tracer
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithDefaultMethod sets the method used when the request names none.
func WithDefaultMethod(m ClassifyMethod) ClassifierOption {
	return func(c *Classifier) { c.defaultMethod = m }
}

// WithFallbackMethod sets the method used when the primary fails.
func WithFallbackMethod(m ClassifyMethod) ClassifierOption {
	return func(c *Classifier) { c.fallbackMethod = m }
}

// WithConfidenceThreshold sets the uncertainty bound for escalation.
func WithConfidenceThreshold(t float64) ClassifierOption {
	return func(c *Classifier) { c.confidenceThreshold = t }
}

// WithEnsembleForUncertain escalates low-confidence results to ensemble.
func WithEnsembleForUncertain(on bool) ClassifierOption {
	return func(c *Classifier) { c.ensembleForUncertain = on }
}

// WithClassifierLogger sets the structured logger.
func WithClassifierLogger(l *slog.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = l }
}

// WithClassifierTracer sets the tracer for classification spans.
func WithClassifierTracer(t Tracer) ClassifierOption {
	return func(c *Classifier) { c.tracer = t }
}

// NewClassifier creates a classifier over the given methods. Defaults:
// hybrid primary, rule fallback, threshold 0.8.
func NewClassifier(methods []Method, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		methods:             make(map[ClassifyMethod]Method, len(methods)),
		defaultMethod:       MethodHybrid,
		fallbackMethod:      MethodRule,
		confidenceThreshold: hybridConfidenceDefault,
		commandPrefix:       DefaultCommandPrefix,
		logger:              nopLogger,
	}
	for _, m := range methods {
		c.methods[m.Name()] = m
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs the selected method with fallback and escalation. The
// returned result always has confidence in [0,1]; classification itself
// never fails, only degrades.
func (c *Classifier) Classify(ctx context.Context, text string, requested ClassifyMethod, reqCtx RequestContext) ClassificationResult {
	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "classify")
		defer span.End()
	}

	selected := requested
	if selected == "" {
		selected = c.defaultMethod
	}

	result, err := c.run(ctx, selected, text, reqCtx)
	if err != nil {
		c.logger.Warn("classification method failed, falling back",
			"method", selected, "fallback", c.fallbackMethod, "error", err)
		result = c.fallBack(ctx, selected, err, text, reqCtx)
	} else {
		result = c.maybeEscalate(ctx, selected, result, text, reqCtx)
	}

	result.Confidence = clamp01(result.Confidence)
	if span != nil {
		span.SetAttr(
			StringAttr("classify.kind", string(result.Kind)),
			StringAttr("classify.method", string(result.Method)),
			Float64Attr("classify.confidence", result.Confidence))
	}
	return result
}

func (c *Classifier) run(ctx context.Context, name ClassifyMethod, text string, reqCtx RequestContext) (ClassificationResult, error) {
	method, ok := c.methods[name]
	if !ok {
		return ClassificationResult{}, Configurationf(CodeUnknownMode, "no classification method %q", name)
	}
	return method.Classify(ctx, text, reqCtx)
}

func (c *Classifier) fallBack(ctx context.Context, primary ClassifyMethod, primaryErr error, text string, reqCtx RequestContext) ClassificationResult {
	if c.fallbackMethod != primary {
		if result, err := c.run(ctx, c.fallbackMethod, text, reqCtx); err == nil {
			result.Confidence = math.Max(defaultConfidenceFloor, result.Confidence-classifierBlendPenalty)
			result.Reasoning = fmt.Sprintf("fallback after %s failure (%v): %s", primary, primaryErr, result.Reasoning)
			return result
		}
	}
	// Both methods failed; take the safe structural default.
	kind := KindPrompt
	if strings.HasPrefix(strings.TrimSpace(text), c.commandPrefix) {
		kind = KindCommand
	}
	return ClassificationResult{
		Kind:       kind,
		Confidence: defaultConfidenceFloor,
		Method:     c.fallbackMethod,
		Reasoning:  fmt.Sprintf("all classification methods failed: %v", primaryErr),
	}
}

func (c *Classifier) maybeEscalate(ctx context.Context, selected ClassifyMethod, result ClassificationResult, text string, reqCtx RequestContext) ClassificationResult {
	if !c.ensembleForUncertain || selected == MethodEnsemble ||
		result.Confidence >= c.confidenceThreshold {
		return result
	}
	escalated, err := c.run(ctx, MethodEnsemble, text, reqCtx)
	if err != nil {
		c.logger.Warn("ensemble escalation failed, keeping original", "error", err)
		return result
	}
	if escalated.Metadata == nil {
		escalated.Metadata = make(map[string]any)
	}
	escalated.Metadata["escalated_from"] = string(selected)
	escalated.Metadata["original_confidence"] = result.Confidence
	return escalated
}
