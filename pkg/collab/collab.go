// Package collab defines the narrow contracts for the external
// reasoning collaborators the core calls: problem solving and concept
// exploration. Implementations are swappable black boxes; transient
// failures carry the TransientExternal code so the orchestrator knows
// to retry them.
package collab

import "context"

// SolveRequest carries one problem to the solving collaborator.
type SolveRequest struct {
	Problem      string
	Category     string
	StrategyHint string
}

// SolveResult is the structured outcome of one solve attempt. Signature
// is a short failure classifier ("unit_mismatch", "missing_formula");
// empty on success.
type SolveResult struct {
	Answer    string  `json:"answer"`
	Success   bool    `json:"success"`
	Score     float64 `json:"score"`
	Notes     string  `json:"notes,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// Solver produces an answer for a given problem, optionally steered by
// a strategy hint.
type Solver interface {
	Solve(ctx context.Context, req SolveRequest) (*SolveResult, error)
}

// Fragment is one candidate knowledge item produced by exploration.
type Fragment struct {
	Content string `json:"content"`
}

// Explorer expands a concept into candidate knowledge fragments.
type Explorer interface {
	Explore(ctx context.Context, concept string) ([]Fragment, error)
}
