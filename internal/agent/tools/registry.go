// Package tools provides a thread-safe registry for the actions the agent
// can execute. Tools are registered by canonical name, optionally aliased,
// and resolved at runtime when an execution request names a tool.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when neither a canonical name nor an alias
// matches a registered tool.
var ErrToolNotFound = errors.New("tool not found")

// Call carries the inputs a tool handler needs to perform its action.
type Call struct {
	ActionID  string
	UserID    string
	SessionID string
	Payload   map[string]interface{}
}

// Result is what a tool handler returns. Status is one of "succeeded",
// "failed", "partial", or "pending"; anything else is treated as succeeded.
type Result struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Handler executes a tool action.
type Handler func(ctx context.Context, call Call) (*Result, error)

// Descriptor describes a registered tool.
type Descriptor struct {
	Name          string
	Description   string
	Transactional bool // real-world side effects, consent-gated
	Handler       Handler
}

// Registry manages registered tools and their aliases.
// Thread-safe for concurrent access.
type Registry struct {
	tools   map[string]Descriptor
	aliases map[string]string
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Descriptor),
		aliases: make(map[string]string),
	}
}

// Register adds a tool to the registry. Registering the same canonical
// name twice is an error; fix the wiring instead of silently replacing.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s has no handler", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	if _, exists := r.aliases[d.Name]; exists {
		return fmt.Errorf("tool %s conflicts with an existing alias", d.Name)
	}

	r.tools[d.Name] = d
	return nil
}

// AddAlias maps an alternate name onto a registered canonical tool.
func (r *Registry) AddAlias(alias, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[canonical]; !exists {
		return fmt.Errorf("alias %s: %w: %s", alias, ErrToolNotFound, canonical)
	}
	if _, exists := r.tools[alias]; exists {
		return fmt.Errorf("alias %s conflicts with a registered tool", alias)
	}

	r.aliases[alias] = canonical
	return nil
}

// Resolve looks up a tool by canonical name or alias. The returned
// Descriptor always carries the canonical name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, exists := r.tools[name]; exists {
		return d, nil
	}
	if canonical, exists := r.aliases[name]; exists {
		return r.tools[canonical], nil
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// ListNames returns the canonical names of all registered tools, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
