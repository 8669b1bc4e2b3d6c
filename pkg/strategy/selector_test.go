package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/memory"
)

func putStrategy(t *testing.T, store *memory.Store, strat *memory.Strategy) {
	t.Helper()
	rec, err := memory.EncodeStrategy(strat)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), memory.CollectionStrategies, rec))
}

func TestSelector(t *testing.T) {
	ctx := context.Background()
	store, err := memory.Open(":memory:", memory.NewHashingEmbedder(64))
	require.NoError(t, err)
	defer store.Close()

	cfg := config.SelectorConfig{
		DecayHalfLife:    config.Duration(24 * time.Hour),
		MinAttempts:      3,
		ExplorationScore: 0.5,
		TopN:             3,
	}
	selector := NewSelector(store, cfg)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	putStrategy(t, store, &memory.Strategy{
		ID:          "veteran",
		Category:    "oscillation",
		Description: "small-angle approximation",
		Attempts:    20,
		Successes:   18,
		LastUsed:    now.Add(-time.Hour),
		CreatedAt:   now.Add(-30 * 24 * time.Hour),
	})
	putStrategy(t, store, &memory.Strategy{
		ID:          "stale",
		Category:    "oscillation",
		Description: "energy conservation",
		Attempts:    20,
		Successes:   18,
		LastUsed:    now.Add(-10 * 24 * time.Hour),
		CreatedAt:   now.Add(-30 * 24 * time.Hour),
	})
	putStrategy(t, store, &memory.Strategy{
		ID:          "rookie",
		Category:    "oscillation",
		Description: "dimensional analysis",
		Attempts:    1,
		Successes:   0,
		LastUsed:    now.Add(-time.Hour),
		CreatedAt:   now.Add(-time.Hour),
	})

	t.Run("Unknown Category Yields Empty", func(t *testing.T) {
		candidates, err := selector.SelectAt(ctx, "thermodynamics", 3, now)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})

	t.Run("Recency Decay Demotes Stale Strategies", func(t *testing.T) {
		candidates, err := selector.SelectAt(ctx, "oscillation", 3, now)
		require.NoError(t, err)
		require.Len(t, candidates, 3)
		assert.Equal(t, "veteran", candidates[0].ID)

		var veteranScore, staleScore float64
		for _, c := range candidates {
			switch c.ID {
			case "veteran":
				veteranScore = c.Score
			case "stale":
				staleScore = c.Score
			}
		}
		assert.Greater(t, veteranScore, staleScore,
			"equal success rates must rank by recency")
	})

	t.Run("Exploration Floor Keeps Under Tried Strategies Alive", func(t *testing.T) {
		candidates, err := selector.SelectAt(ctx, "oscillation", 3, now)
		require.NoError(t, err)
		for _, c := range candidates {
			if c.ID == "rookie" {
				assert.Equal(t, cfg.ExplorationScore, c.Score,
					"a strategy under the attempt floor scores the exploration floor")
				return
			}
		}
		t.Fatal("rookie strategy missing from candidates")
	})

	t.Run("TopN Truncates", func(t *testing.T) {
		candidates, err := selector.SelectAt(ctx, "oscillation", 2, now)
		require.NoError(t, err)
		assert.Len(t, candidates, 2)
	})

	t.Run("Deterministic For Fixed Clock", func(t *testing.T) {
		first, err := selector.SelectAt(ctx, "oscillation", 3, now)
		require.NoError(t, err)
		second, err := selector.SelectAt(ctx, "oscillation", 3, now)
		require.NoError(t, err)
		require.Len(t, second, len(first))
		for i := range first {
			assert.Equal(t, first[i].ID, second[i].ID)
			assert.Equal(t, first[i].Score, second[i].Score)
		}
	})

	t.Run("Zero Half Life Disables Decay", func(t *testing.T) {
		flat := NewSelector(store, config.SelectorConfig{
			MinAttempts:      3,
			ExplorationScore: 0.5,
			TopN:             3,
		})
		candidates, err := flat.SelectAt(ctx, "oscillation", 3, now)
		require.NoError(t, err)

		var veteranScore, staleScore float64
		for _, c := range candidates {
			switch c.ID {
			case "veteran":
				veteranScore = c.Score
			case "stale":
				staleScore = c.Score
			}
		}
		assert.Equal(t, veteranScore, staleScore)
	})
}
