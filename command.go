package pilot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// AgentMode is the user-facing operating mode, switched via /mode.
type AgentMode string

const (
	ModeReady     AgentMode = "ready"
	ModePlanning  AgentMode = "planning"
	ModeEditing   AgentMode = "editing"
	ModeExecuting AgentMode = "executing"
	ModeError     AgentMode = "error"
)

// ValidMode reports whether m is a switchable mode.
func ValidMode(m AgentMode) bool {
	switch m {
	case ModeReady, ModePlanning, ModeEditing, ModeExecuting, ModeError:
		return true
	}
	return false
}

// AgentState is the mutable runtime state the built-in commands read and
// write. Shared between the dispatcher and the command handler.
type AgentState struct {
	mu        sync.RWMutex
	mode      AgentMode
	model     ModelConfig
	startedAt time.Time
}

// NewAgentState creates runtime state in ready mode.
func NewAgentState(model ModelConfig) *AgentState {
	return &AgentState{mode: ModeReady, model: model, startedAt: timeNow()}
}

// Mode returns the current operating mode.
func (s *AgentState) Mode() AgentMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches the operating mode.
func (s *AgentState) SetMode(m AgentMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Model returns the active model configuration.
func (s *AgentState) Model() ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModelID switches the active model identifier.
func (s *AgentState) SetModelID(id string) {
	s.mu.Lock()
	s.model.ModelID = id
	s.mu.Unlock()
}

// Uptime reports how long the state has existed.
func (s *AgentState) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return timeNow().Sub(s.startedAt)
}

// AgentStatus is the read-only status surface /status reports.
type AgentStatus struct {
	Mode         AgentMode `json:"mode"`
	ModelID      string    `json:"model_id"`
	ProviderID   string    `json:"provider_id"`
	SessionCount int       `json:"session_count"`
	ToolNames    []string  `json:"tool_names,omitempty"`
	Uptime       string    `json:"uptime"`
}

// CommandArgs is the parsed argument set of one slash command.
type CommandArgs struct {
	// Positional holds bare tokens in input order.
	Positional []string
	// Named holds --key value pairs; a trailing bare --key is boolean true.
	Named map[string]any
}

// CommandResult is the outcome of one built-in command.
type CommandResult struct {
	CommandName string         `json:"command_name"`
	Status      string         `json:"status"` // "success" or "error"
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CommandFunc implements one built-in command. Built-ins operate only on
// the store and the agent status surface, never on tools.
type CommandFunc func(ctx context.Context, args CommandArgs, reqCtx RequestContext) (CommandResult, error)

type commandEntry struct {
	fn   CommandFunc
	help string
}

// CommandHandler parses slash commands and dispatches the built-ins.
type CommandHandler struct {
	mu       sync.RWMutex
	commands map[string]commandEntry
	prefix   string
	store    Store
	state    *AgentState
	statusFn func(ctx context.Context) AgentStatus
	logger   *slog.Logger
}

// CommandHandlerOption configures a CommandHandler.
type CommandHandlerOption func(*CommandHandler)

// WithCommandLogger sets the structured logger for the handler.
func WithCommandLogger(l *slog.Logger) CommandHandlerOption {
	return func(h *CommandHandler) { h.logger = l }
}

// WithCommandPrefix overrides the default "/" prefix.
func WithCommandPrefix(p string) CommandHandlerOption {
	return func(h *CommandHandler) { h.prefix = p }
}

// NewCommandHandler creates a handler with the built-ins registered.
// statusFn supplies the live status snapshot for /status and /config.
func NewCommandHandler(store Store, state *AgentState, statusFn func(ctx context.Context) AgentStatus, opts ...CommandHandlerOption) *CommandHandler {
	h := &CommandHandler{
		commands: make(map[string]commandEntry),
		prefix:   DefaultCommandPrefix,
		store:    store,
		state:    state,
		statusFn: statusFn,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.RegisterCommand("status", h.cmdStatus, "show agent status")
	h.RegisterCommand("model", h.cmdModel, "show or switch the active model: /model [id]")
	h.RegisterCommand("config", h.cmdConfig, "show the active configuration")
	h.RegisterCommand("mode", h.cmdMode, "show or switch the mode: /mode [ready|planning|editing|executing|error]")
	h.RegisterCommand("session", h.cmdSession, "show the current session")
	h.RegisterCommand("help", h.cmdHelp, "list available commands")
	return h
}

// RegisterCommand adds or replaces a command under the given name.
func (h *CommandHandler) RegisterCommand(name string, fn CommandFunc, help string) {
	h.mu.Lock()
	h.commands[name] = commandEntry{fn: fn, help: help}
	h.mu.Unlock()
}

// IsCommand reports whether the input looks like a slash command.
func (h *CommandHandler) IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), h.prefix)
}

// Parse splits "/name arg --key value --flag" into the command name and
// its arguments.
func (h *CommandHandler) Parse(input string) (string, CommandArgs, error) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, h.prefix) {
		return "", CommandArgs{}, Validationf(CodeValidation, "not a command: %q", truncate(input, 40))
	}
	fields := strings.Fields(strings.TrimPrefix(trimmed, h.prefix))
	if len(fields) == 0 || fields[0] == "" {
		return "", CommandArgs{}, Validationf(CodeValidation, "empty command name")
	}

	args := CommandArgs{Named: make(map[string]any)}
	for i := 1; i < len(fields); i++ {
		tok := fields[i]
		if !strings.HasPrefix(tok, "--") {
			args.Positional = append(args.Positional, tok)
			continue
		}
		key := strings.TrimPrefix(tok, "--")
		if key == "" {
			return "", CommandArgs{}, Validationf(CodeValidation, "empty flag name")
		}
		if i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "--") {
			args.Named[key] = fields[i+1]
			i++
		} else {
			args.Named[key] = true
		}
	}
	return fields[0], args, nil
}

// Execute parses and runs a command, returning a unified result. Unknown
// commands are a validation error.
func (h *CommandHandler) Execute(ctx context.Context, input string, reqCtx RequestContext) (CommandResult, error) {
	name, args, err := h.Parse(input)
	if err != nil {
		return CommandResult{}, err
	}

	h.mu.RLock()
	entry, ok := h.commands[name]
	h.mu.RUnlock()
	if !ok {
		return CommandResult{}, Validationf(CodeUnknownCommand, "unknown command %q", name).
			With("command", name)
	}

	h.logger.Debug("executing command", "command", name, "session", reqCtx.SessionID)
	result, err := entry.fn(ctx, args, reqCtx)
	if err != nil {
		return CommandResult{}, err
	}
	result.CommandName = name
	if result.Status == "" {
		result.Status = "success"
	}
	return result, nil
}

// --- Built-ins ---

func (h *CommandHandler) cmdStatus(ctx context.Context, _ CommandArgs, reqCtx RequestContext) (CommandResult, error) {
	status := h.statusFn(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", status.Mode)
	fmt.Fprintf(&b, "Model: %s (%s)\n", status.ModelID, status.ProviderID)
	fmt.Fprintf(&b, "Session: %s\n", reqCtx.SessionID)
	fmt.Fprintf(&b, "Sessions active: %d\n", status.SessionCount)
	fmt.Fprintf(&b, "Tools: %s\n", strings.Join(status.ToolNames, ", "))
	fmt.Fprintf(&b, "Uptime: %s", status.Uptime)
	return CommandResult{Content: b.String(), Metadata: map[string]any{"status": status}}, nil
}

func (h *CommandHandler) cmdModel(_ context.Context, args CommandArgs, _ RequestContext) (CommandResult, error) {
	if len(args.Positional) == 0 {
		model := h.state.Model()
		return CommandResult{
			Content:  fmt.Sprintf("Model: %s (%s)", model.ModelID, model.ProviderID),
			Metadata: map[string]any{"model_id": model.ModelID, "provider_id": model.ProviderID},
		}, nil
	}
	id := args.Positional[0]
	h.state.SetModelID(id)
	return CommandResult{
		Content:  fmt.Sprintf("Model switched to %s", id),
		Metadata: map[string]any{"model_id": id},
	}, nil
}

func (h *CommandHandler) cmdConfig(ctx context.Context, _ CommandArgs, _ RequestContext) (CommandResult, error) {
	status := h.statusFn(ctx)
	model := h.state.Model()
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", model.ModelID)
	fmt.Fprintf(&b, "Provider: %s\n", model.ProviderID)
	fmt.Fprintf(&b, "Temperature: %.2f\n", model.Temperature)
	fmt.Fprintf(&b, "Max tokens: %d\n", model.MaxTokens)
	fmt.Fprintf(&b, "Mode: %s", status.Mode)
	return CommandResult{Content: b.String(), Metadata: map[string]any{"model": model}}, nil
}

func (h *CommandHandler) cmdMode(_ context.Context, args CommandArgs, _ RequestContext) (CommandResult, error) {
	if len(args.Positional) == 0 {
		return CommandResult{
			Content:  fmt.Sprintf("Mode: %s", h.state.Mode()),
			Metadata: map[string]any{"mode": string(h.state.Mode())},
		}, nil
	}
	mode := AgentMode(args.Positional[0])
	if !ValidMode(mode) {
		return CommandResult{}, Validationf(CodeUnknownMode, "unknown mode %q", args.Positional[0]).
			With("mode", args.Positional[0])
	}
	h.state.SetMode(mode)
	return CommandResult{
		Content:  fmt.Sprintf("Mode switched to %s", mode),
		Metadata: map[string]any{"mode": string(mode)},
	}, nil
}

func (h *CommandHandler) cmdSession(ctx context.Context, _ CommandArgs, reqCtx RequestContext) (CommandResult, error) {
	session, err := h.store.GetSession(ctx, reqCtx.SessionID)
	if err != nil {
		if IsNotFound(err) {
			return CommandResult{
				Content:  fmt.Sprintf("Session: %s (new)", reqCtx.SessionID),
				Metadata: map[string]any{"session_id": reqCtx.SessionID, "exists": false},
			}, nil
		}
		return CommandResult{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", session.SessionID)
	fmt.Fprintf(&b, "Created: %s\n", session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last accessed: %s\n", session.LastAccessedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Turns: %d", len(session.History))
	return CommandResult{
		Content: b.String(),
		Metadata: map[string]any{
			"session_id": session.SessionID,
			"turn_count": len(session.History),
			"exists":     true,
		},
	}, nil
}

func (h *CommandHandler) cmdHelp(_ context.Context, _ CommandArgs, _ RequestContext) (CommandResult, error) {
	h.mu.RLock()
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		h.mu.RLock()
		help := h.commands[name].help
		h.mu.RUnlock()
		fmt.Fprintf(&b, "  %s%s - %s\n", h.prefix, name, help)
	}
	return CommandResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}
