// Package strategy ranks known solving approaches for a category by
// historical performance and recency.
package strategy

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
)

// Candidate is a ranked strategy.
type Candidate struct {
	*memory.Strategy
	Score float64 `json:"score"`
}

// Selector ranks strategies with score = successRate * decay(age since
// last use), with an exploration floor so under-tried strategies still
// get selected. It holds no state of its own beyond configuration; every
// call reads the store fresh.
type Selector struct {
	store *memory.Store
	cfg   config.SelectorConfig
}

// NewSelector creates a selector over the shared memory store.
func NewSelector(store *memory.Store, cfg config.SelectorConfig) *Selector {
	return &Selector{store: store, cfg: cfg}
}

// Select returns up to topN candidate strategies for a category, best
// first. An unknown category yields an empty list and the caller falls
// back to the collaborator's default behavior.
func (s *Selector) Select(ctx context.Context, category string, topN int) ([]Candidate, error) {
	return s.SelectAt(ctx, category, topN, time.Now().UTC())
}

// SelectAt is Select with an explicit clock. Given identical store
// state and timestamp the ranking is deterministic.
func (s *Selector) SelectAt(ctx context.Context, category string, topN int, now time.Time) ([]Candidate, error) {
	if topN <= 0 {
		topN = s.cfg.TopN
	}

	recs, err := s.store.List(ctx, memory.CollectionStrategies, memory.ListOptions{Category: category})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		logging.GetLogger().Debug(ctx, "no strategies known for category %q", category)
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		strat, err := memory.DecodeStrategy(rec)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{
			Strategy: strat,
			Score:    s.score(strat, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].LastUsed.Equal(candidates[j].LastUsed) {
			return candidates[i].LastUsed.After(candidates[j].LastUsed)
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates, nil
}

func (s *Selector) score(strat *memory.Strategy, now time.Time) float64 {
	base := strat.SuccessRate() * s.decay(now.Sub(strat.LastUsed))

	// Exploration floor: untested strategies would otherwise never be
	// tried again once one strategy pulls ahead.
	if strat.Attempts < s.cfg.MinAttempts && base < s.cfg.ExplorationScore {
		return s.cfg.ExplorationScore
	}
	return base
}

// decay halves the recency weight every half-life. A zero half-life
// disables recency weighting.
func (s *Selector) decay(age time.Duration) float64 {
	if s.cfg.DecayHalfLife.Std() <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / s.cfg.DecayHalfLife.Std().Hours())
}
