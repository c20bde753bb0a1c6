package domain

import "time"

// ExperimentStatus represents the reconciliation state of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusSubmitted  ExperimentStatus = "SUBMITTED"
	ExperimentStatusReconciled ExperimentStatus = "RECONCILED"
	// ExperimentStatusPending means the polling budget ran out before every
	// placeholder was mapped. Degraded, not an error: the unmapped
	// placeholders stay visible as pending nodes.
	ExperimentStatusPending ExperimentStatus = "PENDING"
)

// Variant is one alternative intervention applied to the experiment's base
// node.
type Variant struct {
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt,omitempty"`
	// NodeID is the server-assigned node once the engine has processed the
	// batch; empty until then.
	NodeID string `json:"node_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// Experiment is a batch of variants run in parallel as separate children of
// one base node.
type Experiment struct {
	ExperimentID string           `json:"experiment_id"`
	RunID        string           `json:"run_id,omitempty"`
	Name         string           `json:"name"`
	BaseNodeID   string           `json:"base_node_id"`
	Variants     []Variant        `json:"variants"`
	Status       ExperimentStatus `json:"status"`
	// PlaceholderIDs[i] is the locally created child standing in for
	// Variants[i] until reconciliation maps it to a server node.
	PlaceholderIDs []string  `json:"placeholder_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

// Unmapped returns the indexes of variants whose placeholders still lack a
// server-assigned node id.
func (e *Experiment) Unmapped() []int {
	var out []int
	for i := range e.Variants {
		if e.Variants[i].NodeID == "" {
			out = append(out, i)
		}
	}
	return out
}
