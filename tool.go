package pilot

import "context"

// Tool is one agent capability. Implementations live outside the runtime
// (shell, filesystem, grep, git); the runtime consumes only this surface.
// Tools must be deterministic over their declared inputs modulo the
// external side effects they document.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string
	// Version returns the tool's version string.
	Version() string
	// Description returns a human-readable summary used for discovery and
	// planner prompts.
	Description() string
	// InputSchema returns the JSON Schema for Execute's input, as a
	// decoded JSON document.
	InputSchema() map[string]any
	// ReadOnly reports whether the tool mutates no external state.
	ReadOnly() bool
	// ConcurrencySafe reports whether the tool may run in parallel with
	// itself. Unsafe tools are never invoked concurrently for the same
	// session within a batch.
	ConcurrencySafe() bool
	// Execute runs the tool. Long-running tools must honour ctx
	// cancellation.
	Execute(ctx context.Context, input map[string]any) (string, error)
	// CheckPermissions verifies the call is allowed before execution.
	CheckPermissions(ctx context.Context, input map[string]any) error
}

// CleanupTool is an optional capability for tools that own resources.
// Cleanup runs on unregister and on process shutdown. Check via type
// assertion: if ct, ok := tool.(CleanupTool); ok { ... }
type CleanupTool interface {
	Tool
	Cleanup(ctx context.Context) error
}
