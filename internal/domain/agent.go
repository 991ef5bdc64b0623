package domain

import "regexp"

// AgentProfile is an immutable description of one persona: what it says,
// which tools it may call, how its model is picked and what data it sees.
type AgentProfile struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	PersonaText   string     `json:"-"`
	DeclaredTools []string   `json:"tools"`
	DraftOnly     bool       `json:"draft_only"`
	ModelPolicy   []TierRule `json:"-"`
	ReadPlan      []ReadStep `json:"-"`
	Briefing      *Briefing  `json:"-"`
}

// Declares reports whether the agent may call the named tool.
func (a *AgentProfile) Declares(tool string) bool {
	for _, t := range a.DeclaredTools {
		if t == tool {
			return true
		}
	}
	return false
}

// TierRule is one row of an agent's model-selection decision table. A rule
// with no Pattern, no NeedsAttachments and no MinHistory always matches and
// acts as the agent default.
type TierRule struct {
	Tier             string
	Pattern          *regexp.Regexp
	NeedsAttachments bool
	MinHistory       int
	Reason           string
}

// Matches reports whether the rule applies to the request features.
func (r TierRule) Matches(text string, hasAttachments bool, historyLen int) bool {
	if r.NeedsAttachments && !hasAttachments {
		return false
	}
	if r.MinHistory > 0 && historyLen < r.MinHistory {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(text) {
		return false
	}
	return true
}

// IsDefault reports whether the rule matches unconditionally.
func (r TierRule) IsDefault() bool {
	return r.Pattern == nil && !r.NeedsAttachments && r.MinHistory == 0
}

// AgentSummary is the public listing shape for an agent.
type AgentSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	DraftOnly   bool     `json:"draft_only"`
}

// Briefing is a fixed section layout an agent must produce when the trigger
// matches the user message.
type Briefing struct {
	Trigger  *regexp.Regexp
	Sections []BriefingSection
}

// BriefingSection binds a heading to a context key and the fields rendered
// for each item.
type BriefingSection struct {
	Title      string
	ContextKey string
	Fields     []string
}

// AssembledContext is the flat key/value bag serialized into an agent's
// system prompt.
type AssembledContext map[string]any
