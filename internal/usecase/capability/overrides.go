package capability

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"opsdesk/internal/domain"
)

// overrideFile is the on-disk shape of the persona override file:
//
//	playbook: |
//	  ...
//	agents:
//	  sales:
//	    persona: |
//	      ...
//	    append: false
//	    draft_only: true
type overrideFile struct {
	Playbook string                   `yaml:"playbook"`
	Agents   map[string]agentOverride `yaml:"agents"`
}

type agentOverride struct {
	Persona   string `yaml:"persona"`
	Append    bool   `yaml:"append"`
	DraftOnly *bool  `yaml:"draft_only"`
}

// WithPersonaOverrides loads a YAML override file once and returns a new
// registry with the overridden persona text, draft-only flags and playbook.
// Unknown agent ids and unknown keys are rejected so typos surface at startup.
func (r *Registry) WithPersonaOverrides(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona overrides: %w", err)
	}
	var f overrideFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: persona overrides %s: %v", domain.ErrConfigLoad, path, err)
	}
	for id := range f.Agents {
		if _, ok := r.agents[id]; !ok {
			return nil, domain.NewDomainError("Registry.WithPersonaOverrides", domain.ErrAgentNotFound, id)
		}
	}

	next := r.derive(func(p *domain.AgentProfile) {
		o, ok := f.Agents[p.ID]
		if !ok {
			return
		}
		if text := strings.TrimSpace(o.Persona); text != "" {
			if o.Append {
				p.PersonaText = p.PersonaText + "\n\n" + text
			} else {
				p.PersonaText = text
			}
		}
		if o.DraftOnly != nil {
			p.DraftOnly = *o.DraftOnly
		}
	})
	if strings.TrimSpace(f.Playbook) != "" {
		next.playbook = f.Playbook
	}
	return next, nil
}

// LoadPlaybook reads a playbook file. An empty path yields "".
func LoadPlaybook(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read playbook: %w", err)
	}
	return string(data), nil
}
