// Package capability holds the static table of agent personas: what each
// agent says, which tools it may call, how its model is picked and what data
// is assembled for it.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"opsdesk/internal/domain"
)

// Draft-only override modes accepted by WithDraftOnly.
const (
	DraftOnlyOn  = "on"
	DraftOnlyOff = "off"
)

// Registry is an immutable set of agent profiles keyed by id. Every With*
// method returns a new Registry and leaves the receiver untouched, so a
// Registry can be shared across requests without locking.
type Registry struct {
	agents   map[string]*domain.AgentProfile
	playbook string
}

// NewRegistry builds a registry from profiles. Ids must be unique and every
// profile needs persona text and a default tier rule.
func NewRegistry(profiles ...*domain.AgentProfile) (*Registry, error) {
	r := &Registry{agents: make(map[string]*domain.AgentProfile, len(profiles)), playbook: defaultPlaybook}
	for _, p := range profiles {
		if p == nil || p.ID == "" {
			return nil, domain.NewDomainError("capability.NewRegistry", domain.ErrInvalidInput, "agent without id")
		}
		if _, exists := r.agents[p.ID]; exists {
			return nil, domain.NewDomainError("capability.NewRegistry", domain.ErrDuplicate, p.ID)
		}
		if strings.TrimSpace(p.PersonaText) == "" {
			return nil, domain.NewDomainError("capability.NewRegistry", domain.ErrInvalidInput, p.ID+": empty persona")
		}
		if !hasDefaultRule(p.ModelPolicy) {
			return nil, domain.NewDomainError("capability.NewRegistry", domain.ErrInvalidInput, p.ID+": model policy needs a default rule")
		}
		r.agents[p.ID] = p
	}
	return r, nil
}

// Default returns the registry of built-in agents.
func Default() *Registry {
	r, err := NewRegistry(builtinAgents()...)
	if err != nil {
		panic("capability: built-in agents are invalid: " + err.Error())
	}
	return r
}

func hasDefaultRule(rules []domain.TierRule) bool {
	for _, rule := range rules {
		if rule.IsDefault() {
			return true
		}
	}
	return false
}

// Get returns the profile for id, or an error wrapping domain.ErrAgentNotFound.
func (r *Registry) Get(id string) (*domain.AgentProfile, error) {
	p, ok := r.agents[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, id)
	}
	return p, nil
}

// MustGet is Get for ids known at compile time.
func (r *Registry) MustGet(id string) *domain.AgentProfile {
	p, err := r.Get(id)
	if err != nil {
		panic(err)
	}
	return p
}

// IDs returns every agent id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the public summary of every agent, sorted by id.
func (r *Registry) List() []domain.AgentSummary {
	out := make([]domain.AgentSummary, 0, len(r.agents))
	for _, id := range r.IDs() {
		p := r.agents[id]
		out = append(out, domain.AgentSummary{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Tools:       append([]string{}, p.DeclaredTools...),
			DraftOnly:   p.DraftOnly,
		})
	}
	return out
}

// Playbook returns the house rules shared by every agent.
func (r *Registry) Playbook() string { return r.playbook }

// Validate reports declared tools that are not among the registered names.
func (r *Registry) Validate(toolNames []string) error {
	known := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		known[n] = true
	}
	var missing []string
	for _, id := range r.IDs() {
		for _, t := range r.agents[id].DeclaredTools {
			if !known[t] {
				missing = append(missing, id+"/"+t)
			}
		}
	}
	if len(missing) > 0 {
		return domain.NewDomainError("Registry.Validate", domain.ErrToolNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// WithDraftOnly applies the global draft-only switch: "on" forces every
// agent into draft-only mode, "off" clears it, "" keeps per-agent values.
func (r *Registry) WithDraftOnly(mode string) (*Registry, error) {
	switch mode {
	case "":
		return r, nil
	case DraftOnlyOn, DraftOnlyOff:
	default:
		return nil, fmt.Errorf("draft-only override %q: want %q, %q or empty", mode, DraftOnlyOn, DraftOnlyOff)
	}
	return r.derive(func(p *domain.AgentProfile) {
		p.DraftOnly = mode == DraftOnlyOn
	}), nil
}

// WithPlaybook returns a registry using text as the shared playbook. Blank
// text keeps the current one.
func (r *Registry) WithPlaybook(text string) *Registry {
	if strings.TrimSpace(text) == "" {
		return r
	}
	next := r.derive(nil)
	next.playbook = text
	return next
}

// derive copies the registry, applying fn to a shallow copy of each profile.
func (r *Registry) derive(fn func(*domain.AgentProfile)) *Registry {
	next := &Registry{agents: make(map[string]*domain.AgentProfile, len(r.agents)), playbook: r.playbook}
	for id, p := range r.agents {
		cp := *p
		if fn != nil {
			fn(&cp)
		}
		next.agents[id] = &cp
	}
	return next
}
