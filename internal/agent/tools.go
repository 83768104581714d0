package agent

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/soyeahso/switchboard/internal/domain"
)

// Tool is a capability the model can invoke during a conversation.
type Tool interface {
	// Name returns the qualified name, <service>_<function>.
	Name() string

	// Description returns a human-readable description for the model.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() string

	// Execute runs the tool with the given JSON arguments.
	Execute(ctx context.Context, input string) (string, error)
}

// TimeoutTool is implemented by tools that want a timeout other than the
// registry default.
type TimeoutTool interface {
	Timeout() time.Duration
}

// registeredTool is a Tool plus its compiled schema and switches.
type registeredTool struct {
	tool    Tool
	schema  *jsonschema.Schema
	timeout time.Duration
	enabled bool
}

// ToolRegistry holds the tools available to the loop. Safe for concurrent
// use; Replace swaps the whole set on reload.
type ToolRegistry struct {
	mu             sync.RWMutex
	tools          map[string]*registeredTool
	defaultTimeout time.Duration
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry(defaultTimeout time.Duration) *ToolRegistry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &ToolRegistry{
		tools:          make(map[string]*registeredTool),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a tool, compiling its input schema.
func (r *ToolRegistry) Register(t Tool) error {
	rt, err := r.prepare(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tools[t.Name()]; ok {
		rt.enabled = old.enabled
	}
	r.tools[t.Name()] = rt
	return nil
}

// Replace swaps the registered set for tools. Enabled flags survive for
// tools that keep their name. Tools whose schema fails to compile are
// skipped and reported.
func (r *ToolRegistry) Replace(tools []Tool) []error {
	next := make(map[string]*registeredTool, len(tools))
	var errs []error
	for _, t := range tools {
		rt, err := r.prepare(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[t.Name()] = rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rt := range next {
		if old, ok := r.tools[name]; ok {
			rt.enabled = old.enabled
		}
	}
	r.tools = next
	return errs
}

func (r *ToolRegistry) prepare(t Tool) (*registeredTool, error) {
	rt := &registeredTool{tool: t, timeout: r.defaultTimeout, enabled: true}
	if tt, ok := t.(TimeoutTool); ok && tt.Timeout() > 0 {
		rt.timeout = tt.Timeout()
	}
	if s := t.InputSchema(); s != "" {
		compiled, err := jsonschema.CompileString(t.Name()+".schema.json", s)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
		}
		rt.schema = compiled
	}
	return rt, nil
}

// SetEnabled toggles a tool. Disabled tools are hidden from the model and
// refuse execution.
func (r *ToolRegistry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	rt.enabled = enabled
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

func (r *ToolRegistry) lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return registeredTool{}, false
	}
	return *rt, true
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToolInfo summarises a registered tool for listings.
type ToolInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Enabled     bool          `json:"enabled"`
	Timeout     time.Duration `json:"timeout"`
}

// List returns every registered tool sorted by name.
func (r *ToolRegistry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.tools))
	for name, rt := range r.tools {
		out = append(out, ToolInfo{
			Name:        name,
			Description: rt.tool.Description(),
			Enabled:     rt.enabled,
			Timeout:     rt.timeout,
		})
	}
	slices.SortFunc(out, func(a, b ToolInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Definitions returns the model-facing definitions of every enabled tool,
// sorted by name so the request is stable across calls.
func (r *ToolRegistry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for name, rt := range r.tools {
		if !rt.enabled {
			continue
		}
		var params json.RawMessage
		if s := rt.tool.InputSchema(); s != "" {
			params = json.RawMessage(s)
		}
		defs = append(defs, domain.ToolDefinition{
			Name:        name,
			Description: rt.tool.Description(),
			Parameters:  params,
		})
	}
	slices.SortFunc(defs, func(a, b domain.ToolDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return defs
}
