package usecase

import (
	"slices"

	"opsdesk/internal/domain"
)

// agentScope narrows a tool catalog to the names one agent declares. An
// agent that declares nothing sees nothing.
type agentScope struct {
	catalog  domain.ToolExecutor
	declared []string // first-seen order, no repeats
}

// NewScopedToolExecutor returns the view of inner an agent with the given
// tool declarations may use. Schemas follow declaration order.
func NewScopedToolExecutor(inner domain.ToolExecutor, declared []string) domain.ToolExecutor {
	seen := make(map[string]struct{}, len(declared))
	s := &agentScope{catalog: inner}
	for _, name := range declared {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		s.declared = append(s.declared, name)
	}
	return s
}

// Get tells a nonexistent tool (VALIDATION) apart from a real one this agent
// did not declare (PERMISSION_DENIED), so the model learns which mistake it
// made.
func (s *agentScope) Get(name string) (domain.Tool, error) {
	t, err := s.catalog.Get(name)
	switch {
	case err != nil:
		return nil, domain.Categorize(domain.CategoryValidation, domain.ErrToolNotFound,
			"unknown tool %q: call one of the tools you were given", name)
	case !slices.Contains(s.declared, name):
		return nil, domain.Deniedf(domain.ErrToolNotFound, "tool %q is not available to this agent", name)
	}
	return t, nil
}

// Schemas skips declared names the catalog does not have.
func (s *agentScope) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s.declared))
	for _, name := range s.declared {
		if t, err := s.catalog.Get(name); err == nil {
			out = append(out, t.Schema())
		}
	}
	return out
}
