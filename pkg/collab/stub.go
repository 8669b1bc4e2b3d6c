package collab

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// StubCollaborator is a deterministic offline Solver/Explorer for local
// development and demos. It never calls out anywhere: the verdict is a
// stable function of the problem text, so repeated runs exercise the
// memory and learning machinery reproducibly.
type StubCollaborator struct {
	// SuccessBias in [0,1]: fraction of problems answered successfully.
	SuccessBias float64
}

// NewStubCollaborator creates a stub with a 0.8 success bias.
func NewStubCollaborator() *StubCollaborator {
	return &StubCollaborator{SuccessBias: 0.8}
}

func (s *StubCollaborator) Solve(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Problem))
	roll := float64(h.Sum32()%1000) / 1000

	if roll < s.SuccessBias {
		return &SolveResult{
			Answer:  fmt.Sprintf("stub answer for %q", firstWords(req.Problem, 8)),
			Success: true,
			Score:   0.5 + roll/2,
			Notes:   "stub solver, hint=" + req.StrategyHint,
		}, nil
	}
	return &SolveResult{
		Answer:    "",
		Success:   false,
		Score:     roll / 2,
		Notes:     "stub solver could not solve this one",
		Signature: "stub_unsolved",
	}, nil
}

func (s *StubCollaborator) Explore(ctx context.Context, concept string) ([]Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Fragment{
		{Content: fmt.Sprintf("%s: definition placeholder", concept)},
		{Content: fmt.Sprintf("%s: key formula placeholder", concept)},
	}, nil
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
