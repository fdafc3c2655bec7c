package pilot

import (
	"context"
	"strings"
	"testing"
)

func newTestHandler(store Store) (*CommandHandler, *AgentState) {
	state := NewAgentState(ModelConfig{ModelID: "gpt-test", ProviderID: "openai"})
	statusFn := func(context.Context) AgentStatus {
		return AgentStatus{
			Mode:         state.Mode(),
			ModelID:      state.Model().ModelID,
			ProviderID:   state.Model().ProviderID,
			SessionCount: 2,
			ToolNames:    []string{"grep", "shell"},
			Uptime:       "1m0s",
		}
	}
	return NewCommandHandler(store, state, statusFn), state
}

func TestParseCommand(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())

	name, args, err := h.Parse("/session restore --id abc --verbose")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if name != "session" {
		t.Errorf("name = %q", name)
	}
	if len(args.Positional) != 1 || args.Positional[0] != "restore" {
		t.Errorf("positional = %v", args.Positional)
	}
	if args.Named["id"] != "abc" {
		t.Errorf("named id = %v", args.Named["id"])
	}
	// Trailing bare flag is boolean true.
	if args.Named["verbose"] != true {
		t.Errorf("named verbose = %v", args.Named["verbose"])
	}
}

func TestParseCommandErrors(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())

	if _, _, err := h.Parse("not a command"); !IsCode(err, CodeValidation) {
		t.Errorf("non-command err = %v", err)
	}
	if _, _, err := h.Parse("/"); !IsCode(err, CodeValidation) {
		t.Errorf("bare prefix err = %v", err)
	}
	if _, _, err := h.Parse("/run -- value"); !IsCode(err, CodeValidation) {
		t.Errorf("empty flag name err = %v", err)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	_, err := h.Execute(context.Background(), "/frobnicate", RequestContext{SessionID: "s1"})
	if !IsCode(err, CodeUnknownCommand) {
		t.Fatalf("err = %v, want UNKNOWN_COMMAND", err)
	}
}

func TestStatusCommand(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	result, err := h.Execute(context.Background(), "/status", RequestContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "success" || result.CommandName != "status" {
		t.Errorf("result = %s/%s", result.CommandName, result.Status)
	}
	for _, want := range []string{"Mode: ready", "Model: gpt-test (openai)", "Session: s1", "Tools: grep, shell"} {
		if !strings.Contains(result.Content, want) {
			t.Errorf("content missing %q:\n%s", want, result.Content)
		}
	}
}

func TestModeCommand(t *testing.T) {
	h, state := newTestHandler(newFakeStore())
	ctx := context.Background()
	reqCtx := RequestContext{SessionID: "s1"}

	result, err := h.Execute(ctx, "/mode", reqCtx)
	if err != nil {
		t.Fatalf("show mode: %v", err)
	}
	if !strings.Contains(result.Content, "ready") {
		t.Errorf("content = %q", result.Content)
	}

	if _, err := h.Execute(ctx, "/mode planning", reqCtx); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	if state.Mode() != ModePlanning {
		t.Errorf("mode = %s, want planning", state.Mode())
	}

	_, err = h.Execute(ctx, "/mode turbo", reqCtx)
	if !IsCode(err, CodeUnknownMode) {
		t.Errorf("invalid mode err = %v, want UNKNOWN_MODE", err)
	}
}

func TestModelCommand(t *testing.T) {
	h, state := newTestHandler(newFakeStore())
	ctx := context.Background()
	reqCtx := RequestContext{SessionID: "s1"}

	result, err := h.Execute(ctx, "/model", reqCtx)
	if err != nil {
		t.Fatalf("show model: %v", err)
	}
	if !strings.Contains(result.Content, "gpt-test") {
		t.Errorf("content = %q", result.Content)
	}

	if _, err := h.Execute(ctx, "/model gpt-next", reqCtx); err != nil {
		t.Fatalf("switch model: %v", err)
	}
	if state.Model().ModelID != "gpt-next" {
		t.Errorf("model = %s, want gpt-next", state.Model().ModelID)
	}
}

func TestSessionCommand(t *testing.T) {
	store := newFakeStore()
	h, _ := newTestHandler(store)
	ctx := context.Background()

	result, err := h.Execute(ctx, "/session", RequestContext{SessionID: "fresh"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if !strings.Contains(result.Content, "(new)") || result.Metadata["exists"] != false {
		t.Errorf("new session result = %q %v", result.Content, result.Metadata)
	}

	store.seedSession("known", UserTurn("hi"))
	result, err = h.Execute(ctx, "/session", RequestContext{SessionID: "known"})
	if err != nil {
		t.Fatalf("known session: %v", err)
	}
	if result.Metadata["turn_count"] != 1 || result.Metadata["exists"] != true {
		t.Errorf("known session metadata = %v", result.Metadata)
	}
}

func TestHelpCommandListsBuiltins(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	result, err := h.Execute(context.Background(), "/help", RequestContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, name := range []string{"/status", "/model", "/config", "/mode", "/session", "/help"} {
		if !strings.Contains(result.Content, name) {
			t.Errorf("help missing %s:\n%s", name, result.Content)
		}
	}
}

func TestRegisterCommandOverride(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	h.RegisterCommand("ping", func(context.Context, CommandArgs, RequestContext) (CommandResult, error) {
		return CommandResult{Content: "pong"}, nil
	}, "reply with pong")

	result, err := h.Execute(context.Background(), "/ping", RequestContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "pong" || result.Status != "success" {
		t.Errorf("result = %+v", result)
	}
}
