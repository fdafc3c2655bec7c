package pilot

import (
	"context"
	"testing"
)

func TestExtractTemplateMatchesMode(t *testing.T) {
	e := NewExtractor(nil, ModelConfig{}, WithExtractionMethod(ExtractTemplate))

	tests := []struct {
		text    string
		pattern Pattern
		mode    string
	}{
		{"fix the null check and run tests", PatternReAct, "editing"},
		{"debug why does the server crash", PatternProblemSolving, "debugging"},
		{"plan the architecture for the service", PatternReWOO, "planning"},
		{"create a new project scaffold", PatternCreative, "creation"},
		{"analyze and compare the two parsers", PatternAnalytical, "analysis"},
		{"find where is the config loaded", PatternInformational, "research"},
		{"migrate the schema across the codebase", PatternADaPT, "decomposition"},
	}
	for _, tt := range tests {
		result := e.Extract(context.Background(), tt.text, RequestContext{})
		if !result.Success {
			t.Errorf("Extract(%q) failed: %s", tt.text, result.Err)
			continue
		}
		if result.Pattern != tt.pattern || result.Mode != tt.mode {
			t.Errorf("Extract(%q) = %s/%s, want %s/%s",
				tt.text, result.Pattern, result.Mode, tt.pattern, tt.mode)
		}
		if result.Spec == nil || result.Spec.Params["mode"] != tt.mode {
			t.Errorf("Extract(%q) spec params = %v", tt.text, result.Spec)
		}
	}
}

func TestExtractTemplateConfidenceScaling(t *testing.T) {
	e := NewExtractor(nil, ModelConfig{}, WithExtractionMethod(ExtractTemplate))

	// Three editing keywords: fix, run tests, null check.
	result := e.Extract(context.Background(), "fix the null check and run tests", RequestContext{})
	if !almostEqual(result.Confidence, 0.85) {
		t.Errorf("confidence = %v, want 0.4 + 3*0.15", result.Confidence)
	}

	// One keyword.
	result = e.Extract(context.Background(), "fix it", RequestContext{})
	if !almostEqual(result.Confidence, 0.55) {
		t.Errorf("confidence = %v, want 0.55", result.Confidence)
	}
}

func TestExtractTemplateNoMatch(t *testing.T) {
	e := NewExtractor(nil, ModelConfig{}, WithExtractionMethod(ExtractTemplate))
	result := e.Extract(context.Background(), "lorem ipsum dolor", RequestContext{})
	if result.Success {
		t.Fatal("matched with no keywords")
	}
	if result.Pattern != PatternConversational {
		t.Errorf("pattern = %s, want conversational fallback", result.Pattern)
	}
}

func TestExtractLLMValidatesReply(t *testing.T) {
	provider := &stubProvider{replies: []string{
		`{"pattern": "rewoo", "confidence": 0.8, "requiredTools": ["shell"]}`,
	}}
	e := NewExtractor(provider, ModelConfig{}, WithExtractionMethod(ExtractLLM))

	result := e.Extract(context.Background(), "upgrade all dependencies", RequestContext{})
	if !result.Success {
		t.Fatalf("Extract failed: %s", result.Err)
	}
	if result.Pattern != PatternReWOO || !almostEqual(result.Confidence, 0.8) {
		t.Errorf("result = %s/%v", result.Pattern, result.Confidence)
	}
	if len(result.Spec.RequiredTools) != 1 || result.Spec.RequiredTools[0] != "shell" {
		t.Errorf("required tools = %v", result.Spec.RequiredTools)
	}
}

func TestExtractLLMRejectsUnknownPattern(t *testing.T) {
	provider := &stubProvider{replies: []string{
		`{"pattern": "quantum", "confidence": 0.9}`,
	}}
	e := NewExtractor(provider, ModelConfig{}, WithExtractionMethod(ExtractLLM))

	result := e.Extract(context.Background(), "do something", RequestContext{})
	if result.Success {
		t.Fatal("schema let an unknown pattern through")
	}
	if result.Pattern != PatternConversational {
		t.Errorf("pattern = %s", result.Pattern)
	}
}

func TestExtractLLMZeroConfidenceDefaults(t *testing.T) {
	provider := &stubProvider{replies: []string{
		`{"pattern": "react"}`,
	}}
	e := NewExtractor(provider, ModelConfig{}, WithExtractionMethod(ExtractLLM))

	result := e.Extract(context.Background(), "tweak the loop", RequestContext{})
	if !result.Success {
		t.Fatalf("Extract failed: %s", result.Err)
	}
	if !almostEqual(result.Confidence, 0.5) {
		t.Errorf("confidence = %v, want default 0.5", result.Confidence)
	}
}

func TestExtractHybridPrefersConfidentTemplate(t *testing.T) {
	provider := &stubProvider{}
	e := NewExtractor(provider, ModelConfig{})

	// Template confidence 0.85 clears the 0.6 threshold, so the LLM is
	// never consulted.
	result := e.Extract(context.Background(), "fix the null check and run tests", RequestContext{})
	if !result.Success || result.Method != ExtractHybrid {
		t.Fatalf("result = %+v", result)
	}
	if result.Pattern != PatternReAct {
		t.Errorf("pattern = %s", result.Pattern)
	}
	if provider.callCount() != 0 {
		t.Errorf("LLM consulted despite confident template: %d calls", provider.callCount())
	}
}

func TestExtractHybridConsultsLLMOnWeakTemplate(t *testing.T) {
	provider := &stubProvider{replies: []string{
		`{"pattern": "adapt", "confidence": 0.9}`,
	}}
	e := NewExtractor(provider, ModelConfig{})

	// One keyword gives the template 0.55, below the 0.6 threshold; the
	// LLM's higher confidence wins.
	result := e.Extract(context.Background(), "fix it", RequestContext{})
	if !result.Success {
		t.Fatalf("Extract failed: %s", result.Err)
	}
	if result.Pattern != PatternADaPT {
		t.Errorf("pattern = %s, want adapt from LLM", result.Pattern)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d", provider.callCount())
	}
}

func TestExtractHybridKeepsTemplateWhenLLMFails(t *testing.T) {
	provider := &stubProvider{replies: []string{"no json"}}
	e := NewExtractor(provider, ModelConfig{})

	result := e.Extract(context.Background(), "fix it", RequestContext{})
	if !result.Success {
		t.Fatalf("Extract failed: %s", result.Err)
	}
	if result.Pattern != PatternReAct || result.Method != ExtractHybrid {
		t.Errorf("result = %s/%s", result.Pattern, result.Method)
	}
}
