package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// PromptBuilder constructs the system prompt and the seeded turn sequence
// for one orchestration run.
type PromptBuilder struct {
	playbook        string
	historyLimit    int
	maxContextBytes int
}

// NewPromptBuilder creates a prompt builder. historyLimit caps the prior
// turns replayed to the model; maxContextBytes caps the serialized context.
func NewPromptBuilder(playbook string, historyLimit, maxContextBytes int) *PromptBuilder {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if maxContextBytes <= 0 {
		maxContextBytes = 60000
	}
	return &PromptBuilder{
		playbook:        playbook,
		historyLimit:    historyLimit,
		maxContextBytes: maxContextBytes,
	}
}

// System assembles persona, access rules, playbook, governance notices,
// briefing instructions and the serialized context. contextBytes overrides
// the configured cap when positive.
func (b *PromptBuilder) System(rc *domain.RequestContext, assembled domain.AssembledContext, userText string, contextBytes int) string {
	var sb strings.Builder
	profile := rc.Agent

	sb.WriteString(strings.TrimSpace(profile.PersonaText))
	sb.WriteString("\n\n## Access\n")
	sb.WriteString(accessRules(rc))

	if pb := strings.TrimSpace(b.playbook); pb != "" {
		sb.WriteString("\n\n## House Rules\n")
		sb.WriteString(pb)
	}

	if rc.DraftOnly {
		sb.WriteString("\n\n## Draft Only\n")
		sb.WriteString("You are in draft-only mode. Do not call tools that change data or send messages. " +
			"Write drafts for a person to review and send instead.")
	}

	if br := profile.Briefing; br != nil && br.Trigger != nil && br.Trigger.MatchString(userText) {
		sb.WriteString("\n\n## Briefing Format\n")
		sb.WriteString("Answer with these sections, in this order, each as a markdown heading. " +
			"Write \"No items\" under a section with nothing to report.\n")
		for _, s := range br.Sections {
			fmt.Fprintf(&sb, "- %s\n", s.Title)
		}
	}

	if contextBytes <= 0 {
		contextBytes = b.maxContextBytes
	}
	sb.WriteString("\n\n## Current Data\n")
	sb.WriteString(renderContext(assembled, contextBytes))
	return sb.String()
}

func accessRules(rc *domain.RequestContext) string {
	name := rc.Caller.Name
	if name == "" {
		name = rc.Caller.Email
	}
	if name == "" {
		name = rc.Caller.ID
	}
	roles := make([]string, len(rc.Roles))
	for i, r := range rc.Roles {
		roles[i] = string(r)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are helping %s (roles: %s).\n", name, strings.Join(roles, ", "))
	switch {
	case domain.IsElevated(rc.Roles):
		sb.WriteString("They may see everyone's details, including pay rates and coaching notes.")
	case domain.HasPermission(rc.Roles, domain.PermRecordWrite):
		sb.WriteString("They may update records but must not see other people's pay rates, contact details or coaching notes.")
	default:
		sb.WriteString("They have read-only access. Do not offer to change anything on their behalf.")
	}
	fmt.Fprintf(&sb, "\nEvery change needs confirm: true and at most %d changes are allowed in this conversation turn.",
		rc.Budget.Limit())
	return sb.String()
}

// renderContext serializes the context as one JSON object per key in sorted
// order. Keys that would push the text past maxBytes are left out and named.
func renderContext(assembled domain.AssembledContext, maxBytes int) string {
	keys := make([]string, 0, len(assembled))
	for k := range assembled {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		sb      strings.Builder
		omitted []string
	)
	for _, k := range keys {
		data, err := json.Marshal(assembled[k])
		if err != nil {
			omitted = append(omitted, k)
			continue
		}
		line := fmt.Sprintf("%s: %s\n", k, data)
		if sb.Len()+len(line) > maxBytes {
			omitted = append(omitted, k)
			continue
		}
		sb.WriteString(line)
	}
	if len(omitted) > 0 {
		fmt.Fprintf(&sb, "(omitted for size: %s; use the list tools to fetch them)\n", strings.Join(omitted, ", "))
	}
	if sb.Len() == 0 {
		return "(no data available)\n"
	}
	return sb.String()
}

// Transcript seeds the turn sequence: system prompt, the most recent prior
// turns and the new user message.
func (b *PromptBuilder) Transcript(system string, history []domain.Message, user domain.Message) []domain.Message {
	hist := b.truncateHistory(history)
	messages := make([]domain.Message, 0, len(hist)+2)
	messages = append(messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   system,
		Timestamp: time.Now(),
	})
	messages = append(messages, hist...)
	return append(messages, user)
}

// truncateHistory keeps the last historyLimit user and assistant turns.
// Prior tool traffic is not replayed across requests.
func (b *PromptBuilder) truncateHistory(history []domain.Message) []domain.Message {
	kept := make([]domain.Message, 0, min(len(history), b.historyLimit))
	for _, m := range history {
		if (m.Role == domain.RoleUser || m.Role == domain.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			kept = append(kept, domain.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
		}
	}
	if len(kept) > b.historyLimit {
		kept = kept[len(kept)-b.historyLimit:]
	}
	return kept
}

// UserMessage builds the user turn, carrying attachments as content parts.
func UserMessage(text string, attachments []Attachment) domain.Message {
	msg := domain.Message{Role: domain.RoleUser, Content: text, Timestamp: time.Now()}
	if len(attachments) == 0 {
		return msg
	}
	msg.Parts = append(msg.Parts, domain.ContentPart{Type: domain.PartText, Text: text})
	for _, a := range attachments {
		msg.Parts = append(msg.Parts, domain.ContentPart{
			Type:     a.partType(),
			URL:      a.URL,
			Data:     a.Data,
			MimeType: a.MimeType,
			Name:     a.Name,
		})
	}
	return msg
}
