package domain

import "time"

// AgentProfile is one member of a simulation's roster.
type AgentProfile struct {
	AgentID    string             `json:"agent_id"`
	Name       string             `json:"name"`
	Profile    string             `json:"profile,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	State      map[string]float64 `json:"state,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// AgentRecord is the parsed bulk-import record handed over by the import
// collaborator. The controller never parses import files itself.
type AgentRecord struct {
	Name       string            `json:"name"`
	Profile    string            `json:"profile,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BuildAgentIndex rebuilds the name-to-id index from the current roster.
func BuildAgentIndex(roster []AgentProfile) AgentIndex {
	idx := make(AgentIndex, len(roster))
	for _, a := range roster {
		idx[a.Name] = a.AgentID
	}
	return idx
}
