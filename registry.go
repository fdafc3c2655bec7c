package pilot

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolMeta is registration-time metadata attached to a tool.
type ToolMeta struct {
	Category string   `json:"category,omitempty"` // rate-limit category: "default", "system", "file"
	Tags     []string `json:"tags,omitempty"`
}

// RegisterOptions controls Registry.Register behaviour.
type RegisterOptions struct {
	// Override replaces an existing entry with the same name instead of
	// rejecting the registration.
	Override bool
	// ValidateOnRegistration rejects tools with missing required
	// capabilities (empty name, version, or input schema).
	ValidateOnRegistration bool
}

// RegistryEventKind identifies a registry change.
type RegistryEventKind string

const (
	ToolRegistered   RegistryEventKind = "registered"
	ToolUnregistered RegistryEventKind = "unregistered"
	RegistryCleared  RegistryEventKind = "cleared"
)

// RegistryEvent describes one registry change, delivered best-effort to
// listeners.
type RegistryEvent struct {
	Kind     RegistryEventKind
	ToolName string
}

// RegistryStats summarises registry contents.
type RegistryStats struct {
	Total           int            `json:"total"`
	ReadOnly        int            `json:"read_only"`
	ConcurrencySafe int            `json:"concurrency_safe"`
	Categories      map[string]int `json:"categories,omitempty"`
}

type registryEntry struct {
	tool         Tool
	meta         ToolMeta
	registeredAt time.Time
}

// Registry holds all registered tools. Reads are concurrent; mutations
// (Register, Unregister, Clear) are exclusive.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registryEntry
	listeners []func(RegistryEvent)
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger for the registry.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{entries: make(map[string]*registryEntry), logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Duplicate names are rejected unless opts.Override;
// with opts.ValidateOnRegistration, tools missing required capabilities
// are rejected.
func (r *Registry) Register(tool Tool, meta ToolMeta, opts RegisterOptions) error {
	if tool == nil {
		return Validationf(CodeValidation, "register: nil tool")
	}
	if opts.ValidateOnRegistration {
		if err := validateTool(tool); err != nil {
			return err
		}
	}
	name := tool.Name()
	if name == "" {
		return Validationf(CodeValidation, "register: tool has no name")
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists && !opts.Override {
		r.mu.Unlock()
		return Validationf(CodeValidation, "register: duplicate tool %q", name)
	}
	r.entries[name] = &registryEntry{tool: tool, meta: meta, registeredAt: time.Now()}
	listeners := append([]func(RegistryEvent){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("tool registered", "tool", name, "category", meta.Category)
	notify(listeners, RegistryEvent{Kind: ToolRegistered, ToolName: name})
	return nil
}

// Unregister removes a tool by name, invoking its Cleanup (if any) first.
// If cleanup fails the entry is not removed.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return Validationf(CodeUnknownTool, "unregister: unknown tool %q", name)
	}

	if ct, isCleanup := entry.tool.(CleanupTool); isCleanup {
		if err := ct.Cleanup(ctx); err != nil {
			return Systemf(CodeInternal, "unregister %s: cleanup failed: %v", name, err)
		}
	}

	r.mu.Lock()
	delete(r.entries, name)
	listeners := append([]func(RegistryEvent){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("tool unregistered", "tool", name)
	notify(listeners, RegistryEvent{Kind: ToolUnregistered, ToolName: name})
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Meta returns the registration metadata for a tool.
func (r *Registry) Meta(name string) (ToolMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return ToolMeta{}, false
	}
	return entry.meta, true
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discover returns tools whose name, description, or tags contain the
// query (case-insensitive). An empty query returns all tools.
func (r *Registry) Discover(query string) []Tool {
	q := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, entry := range r.entries {
		if q == "" || matchesQuery(entry, q) {
			out = append(out, entry.tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListByCategory returns names of tools registered under the category.
func (r *Registry) ListByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, entry := range r.entries {
		if entry.meta.Category == category {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ListByTag returns names of tools carrying the tag.
func (r *Registry) ListByTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, entry := range r.entries {
		for _, t := range entry.meta.Tags {
			if t == tag {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns aggregate registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{Total: len(r.entries), Categories: make(map[string]int)}
	for _, entry := range r.entries {
		if entry.tool.ReadOnly() {
			stats.ReadOnly++
		}
		if entry.tool.ConcurrencySafe() {
			stats.ConcurrencySafe++
		}
		if c := entry.meta.Category; c != "" {
			stats.Categories[c]++
		}
	}
	return stats
}

// Clear removes all tools, invoking cleanup best-effort. Cleanup failures
// are logged but do not keep entries.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	listeners := append([]func(RegistryEvent){}, r.listeners...)
	r.mu.Unlock()

	for name, entry := range entries {
		if ct, ok := entry.tool.(CleanupTool); ok {
			if err := ct.Cleanup(ctx); err != nil {
				r.logger.Warn("cleanup failed during clear", "tool", name, "error", err)
			}
		}
	}
	notify(listeners, RegistryEvent{Kind: RegistryCleared})
}

// OnChange registers a listener for registry events. Delivery is
// best-effort; a panicking listener never affects registry state.
func (r *Registry) OnChange(listener func(RegistryEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// PartitionByConcurrency splits tool names into a set safe for parallel
// execution and an ordered list that must run sequentially. Unknown names
// land in the sequential list so the executor reports them in order.
func (r *Registry) PartitionByConcurrency(names []string) (safe map[string]bool, sequential []string) {
	safe = make(map[string]bool)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		entry, ok := r.entries[name]
		if ok && entry.tool.ConcurrencySafe() {
			safe[name] = true
			continue
		}
		sequential = append(sequential, name)
	}
	return safe, sequential
}

func validateTool(t Tool) error {
	switch {
	case t.Name() == "":
		return Validationf(CodeValidation, "tool has no name")
	case t.Version() == "":
		return Validationf(CodeValidation, "tool %q has no version", t.Name())
	case t.InputSchema() == nil:
		return Validationf(CodeValidation, "tool %q has no input schema", t.Name())
	}
	return nil
}

func matchesQuery(entry *registryEntry, q string) bool {
	if strings.Contains(strings.ToLower(entry.tool.Name()), q) ||
		strings.Contains(strings.ToLower(entry.tool.Description()), q) {
		return true
	}
	for _, tag := range entry.meta.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// notify delivers an event to listeners, recovering panics so listener
// failures cannot affect registry state.
func notify(listeners []func(RegistryEvent), ev RegistryEvent) {
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(ev)
		}()
	}
}
