package usecase

import (
	"fmt"

	"opsdesk/internal/domain"
)

// fallbackTierName is the tier used when an agent or a tier is unknown.
const fallbackTierName = "standard"

// builtinTier is the last-resort decision, used when even the configured
// fallback tier is missing or incomplete.
var builtinTier = domain.ModelTier{
	Name:        fallbackTierName,
	Provider:    "openai",
	Model:       "gpt-4o",
	MaxTokens:   2048,
	Temperature: 0.4,
}

// AgentSource resolves agent ids to profiles.
type AgentSource interface {
	Get(id string) (*domain.AgentProfile, error)
}

// ModelRouter picks the provider and model for a request from the agent's
// tier rules. Select is pure: no I/O, no randomness, no shared state.
type ModelRouter struct {
	agents AgentSource
	tiers  map[string]domain.ModelTier
}

// NewModelRouter creates a router over the given tier table. The map is
// copied.
func NewModelRouter(agents AgentSource, tiers map[string]domain.ModelTier) *ModelRouter {
	cp := make(map[string]domain.ModelTier, len(tiers))
	for name, t := range tiers {
		t.Name = name
		cp[name] = t
	}
	return &ModelRouter{agents: agents, tiers: cp}
}

// Select returns the model decision for one request. The first rule of the
// agent's policy that matches wins. It never fails: unknown agents and
// unknown tiers fall back to the standard tier and then to a built-in one.
func (r *ModelRouter) Select(agentID, text string, hasAttachments bool, historyLen int) domain.ModelDecision {
	tierName, reason := fallbackTierName, "unknown agent"
	if r.agents != nil {
		if profile, err := r.agents.Get(agentID); err == nil {
			tierName, reason = fallbackTierName, "no matching rule"
			for _, rule := range profile.ModelPolicy {
				if rule.Matches(text, hasAttachments, historyLen) {
					tierName, reason = rule.Tier, rule.Reason
					break
				}
			}
		}
	}

	tier, ok := r.tier(tierName)
	if !ok {
		reason = fmt.Sprintf("%s; tier %q not configured", reason, tierName)
		tier, ok = r.tier(fallbackTierName)
		if !ok {
			tier = builtinTier
		}
	}

	return domain.ModelDecision{
		Provider:    tier.Provider,
		Model:       tier.Model,
		MaxTokens:   tier.MaxTokens,
		Temperature: tier.Temperature,
		Tier:        tier.Name,
		Rationale:   fmt.Sprintf("agent=%s tier=%s reason=%s", agentID, tier.Name, reason),
	}
}

// tier returns a usable tier: one with both a provider and a model.
func (r *ModelRouter) tier(name string) (domain.ModelTier, bool) {
	t, ok := r.tiers[name]
	if !ok || t.Provider == "" || t.Model == "" {
		return domain.ModelTier{}, false
	}
	if t.MaxTokens <= 0 {
		t.MaxTokens = builtinTier.MaxTokens
	}
	return t, true
}

// Tiers returns a copy of the tier table.
func (r *ModelRouter) Tiers() map[string]domain.ModelTier {
	out := make(map[string]domain.ModelTier, len(r.tiers))
	for k, v := range r.tiers {
		out[k] = v
	}
	return out
}
