package gateway

import (
	"net/http"
	"sort"
	"time"

	"opsdesk/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service   ServiceStatus               `json:"service"`
	Agents    AgentsStatus                `json:"agents"`
	Tools     ToolStatus                  `json:"tools"`
	Providers []string                    `json:"providers"`
	Tiers     map[string]domain.ModelTier `json:"tiers"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AgentsStatus lists the registered agent ids.
type AgentsStatus struct {
	Default    string   `json:"default"`
	Registered []string `json:"registered"`
}

// ToolStatus holds tool registry info.
type ToolStatus struct {
	Registered int      `json:"registered"`
	Names      []string `json:"names"`
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "opsdesk",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Agents:    AgentsStatus{Default: deps.DefaultAgent, Registered: []string{}},
			Tools:     ToolStatus{Names: []string{}},
			Providers: []string{},
			Tiers:     deps.Tiers,
		}
		if deps.Agents != nil {
			for _, a := range deps.Agents.List() {
				resp.Agents.Registered = append(resp.Agents.Registered, a.ID)
			}
		}
		if deps.Tools != nil {
			for _, s := range deps.Tools.Schemas() {
				resp.Tools.Names = append(resp.Tools.Names, s.Name)
			}
			sort.Strings(resp.Tools.Names)
			resp.Tools.Registered = len(resp.Tools.Names)
		}
		if deps.Providers != nil {
			resp.Providers = append(resp.Providers, deps.Providers.List()...)
			sort.Strings(resp.Providers)
		}
		if resp.Tiers == nil {
			resp.Tiers = map[string]domain.ModelTier{}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
