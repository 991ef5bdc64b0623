package tool

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"opsdesk/internal/domain"
)

// Registry is the process-wide tool catalog, kept sorted by name. Agents see
// a scoped view of it.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools []domain.Tool
}

// NewRegistry returns an empty catalog. A nil logger skips schema
// compilation, which the doctor command uses to list tools cheaply.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

func byToolName(t domain.Tool, name string) int { return cmp.Compare(t.Name(), name) }

// Register adds tools in one step. Nothing is added if any name is taken.
func (r *Registry) Register(tools ...domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(r.tools)
	for _, t := range tools {
		i, taken := slices.BinarySearchFunc(next, t.Name(), byToolName)
		if taken {
			return fmt.Errorf("tool %q already registered", t.Name())
		}
		next = slices.Insert(next, i, r.validated(t))
	}
	r.tools = next
	return nil
}

// validated wraps t in JSON Schema validation. A schema that does not compile
// is logged and t is kept as-is.
func (r *Registry) validated(t domain.Tool) domain.Tool {
	if r.logger == nil {
		return t
	}
	v, err := WithSchemaValidation(t)
	if err != nil {
		r.logger.Warn("tool registered without schema validation", "tool", t.Name(), "error", err)
		return t
	}
	return v
}

// Get returns the named tool or an error wrapping domain.ErrToolNotFound.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := slices.BinarySearchFunc(r.tools, name, byToolName); ok {
		return r.tools[i], nil
	}
	return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
}

// Names lists registered tools in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name()
	}
	return names
}

// Schemas returns every tool's function-calling schema in name order.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolSchema, len(r.tools))
	for i, t := range r.tools {
		out[i] = t.Schema()
	}
	return out
}
