package domain

import "time"

// EntryType is the closed set of normalized log entry types.
type EntryType string

const (
	EntrySystem           EntryType = "SYSTEM"
	EntryEnvironment      EntryType = "ENVIRONMENT"
	EntryAgentSay         EntryType = "AGENT_SAY"
	EntryAgentAction      EntryType = "AGENT_ACTION"
	EntryAgentMetadata    EntryType = "AGENT_METADATA"
	EntryHostIntervention EntryType = "HOST_INTERVENTION"
)

// LogEntry is the stable, typed output unit of the normalization pipeline.
// Every entry belongs to exactly one node and one round.
type LogEntry struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Round     int       `json:"round"`
	Type      EntryType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Content   string    `json:"content"`
	MediaURLs []string  `json:"media_urls,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AgentIndex maps agent display names to agent identifiers. It is rebuilt
// from the current roster on every normalization call and never persisted.
type AgentIndex map[string]string

// Lookup returns the id for a name, or empty when the name is unknown.
func (idx AgentIndex) Lookup(name string) string {
	if idx == nil {
		return ""
	}
	return idx[name]
}
