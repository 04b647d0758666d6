package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/otel"
)

// AgentCard follows the A2A agent card schema. Each bus agent is listed as
// a skill tagged with the task types it accepts.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Skills             []A2ASkill   `json:"skills"`
}

type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type A2ASkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	var skills []A2ASkill
	if s.cfg.Bus != nil {
		for _, id := range s.cfg.Bus.Agents() {
			accepts := s.cfg.Bus.Accepts(id)
			tags := make([]string, 0, len(accepts))
			for _, tt := range accepts {
				tags = append(tags, string(tt))
			}
			desc := "in-process agent"
			if _, ok := s.remote[id]; ok {
				desc = "remote agent"
			}
			skills = append(skills, A2ASkill{
				ID:          string(id),
				Name:        agentName(id),
				Description: desc,
				Tags:        tags,
			})
		}
	}
	if skills == nil {
		skills = []A2ASkill{}
	}

	card := AgentCard{
		Name:               "Mission Control",
		Description:        "Trading agent coordination: message bus, task tracking and risk veto gate",
		URL:                "http://" + r.Host,
		Version:            otel.Version,
		Capabilities:       Capabilities{Streaming: true, StateTransitionHistory: true},
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
		Skills:             skills,
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, card)
}

// agentName turns RISK_MANAGER into "Risk Manager".
func agentName(id bus.AgentID) string {
	words := strings.Split(strings.ToLower(string(id)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
