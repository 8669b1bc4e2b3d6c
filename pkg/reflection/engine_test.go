package reflection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/goals"
	"github.com/mnemoslab/mnemos/pkg/memory"
)

type testRig struct {
	store  *memory.Store
	goals  *goals.Manager
	ledger *Ledger
	engine *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := memory.Open(":memory:", memory.NewHashingEmbedder(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := OpenLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	goalMgr := goals.NewManager(store)
	engine := NewEngine(store, goalMgr, ledger, config.ReflectionConfig{
		MinPatternFailures: 2,
		RecentWindow:       20,
	})
	return &testRig{store: store, goals: goalMgr, ledger: ledger, engine: engine}
}

func newExperience(id, category, strategyID string, success bool, signature string) *memory.Experience {
	return &memory.Experience{
		ID:         id,
		Category:   category,
		Problem:    "problem " + id,
		StrategyID: strategyID,
		Success:    success,
		Signature:  signature,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestAbsorb(t *testing.T) {
	ctx := context.Background()

	t.Run("Counts Each Experience Exactly Once", func(t *testing.T) {
		rig := newTestRig(t)
		exp := newExperience("exp-1", "oscillation", "strat-1", true, "")

		strat, err := rig.engine.Absorb(ctx, exp, "small-angle approximation")
		require.NoError(t, err)
		assert.Equal(t, 1, strat.Attempts)
		assert.Equal(t, 1, strat.Successes)
		assert.Equal(t, "small-angle approximation", strat.Description)

		// A duplicate delivery of the same experience must not double
		// count.
		strat, err = rig.engine.Absorb(ctx, exp, "small-angle approximation")
		require.NoError(t, err)
		assert.Equal(t, 1, strat.Attempts)
		assert.Equal(t, 1, strat.Successes)
	})

	t.Run("Concurrent Absorbs Against One Strategy", func(t *testing.T) {
		rig := newTestRig(t)
		const n = 16
		const wins = 10

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				exp := newExperience(fmt.Sprintf("exp-%d", i), "kinematics", "shared", i < wins, "")
				_, errs[i] = rig.engine.Absorb(ctx, exp, "kinematic equations")
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			require.NoError(t, err, "absorb %d", i)
		}

		rec, err := rig.store.Get(ctx, memory.CollectionStrategies, "shared")
		require.NoError(t, err)
		strat, err := memory.DecodeStrategy(rec)
		require.NoError(t, err)
		assert.Equal(t, n, strat.Attempts)
		assert.Equal(t, wins, strat.Successes)
		assert.LessOrEqual(t, strat.Successes, strat.Attempts)
		assert.InDelta(t, float64(wins)/float64(n), strat.SuccessRate(), 1e-9)
	})
}

func TestReflect(t *testing.T) {
	ctx := context.Background()

	t.Run("Mines Shared Failure Signatures", func(t *testing.T) {
		rig := newTestRig(t)
		var ids []string
		for i := 0; i < 5; i++ {
			failed := i < 2 // two failures sharing a signature
			signature := ""
			if failed {
				signature = "unit_mismatch"
			}
			exp := newExperience(fmt.Sprintf("exp-%d", i), "kinematics", "strat-k", !failed, signature)
			_, err := rig.engine.Absorb(ctx, exp, "kinematic equations")
			require.NoError(t, err)
			ids = append(ids, exp.ID)
		}

		res, err := rig.engine.Reflect(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 5, res.Processed)
		assert.Equal(t, 0, res.CountersApplied, "absorb already counted these")
		require.Len(t, res.KnowledgeIDs, 1, "exactly one pattern crosses the minimum")

		rec, err := rig.store.Get(ctx, memory.CollectionKnowledge, res.KnowledgeIDs[0])
		require.NoError(t, err)
		item, err := memory.DecodeKnowledge(rec)
		require.NoError(t, err)
		assert.Equal(t, "unit_mismatch", item.Concept)
		assert.Equal(t, "strat-k", item.Source, "pattern links back to the failing strategy")
	})

	t.Run("Reflecting Twice Changes Nothing", func(t *testing.T) {
		rig := newTestRig(t)
		var ids []string
		for i := 0; i < 3; i++ {
			exp := newExperience(fmt.Sprintf("exp-%d", i), "optics", "strat-o", false, "missing_formula")
			_, err := rig.engine.Absorb(ctx, exp, "ray tracing")
			require.NoError(t, err)
			ids = append(ids, exp.ID)
		}

		first, err := rig.engine.Reflect(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 3, first.Processed)
		knowledgeAfterFirst, err := rig.store.Count(ctx, memory.CollectionKnowledge)
		require.NoError(t, err)

		second, err := rig.engine.Reflect(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 0, second.Processed)
		assert.Equal(t, 3, second.Skipped)
		assert.Empty(t, second.KnowledgeIDs)

		knowledgeAfterSecond, err := rig.store.Count(ctx, memory.CollectionKnowledge)
		require.NoError(t, err)
		assert.Equal(t, knowledgeAfterFirst, knowledgeAfterSecond)

		rec, err := rig.store.Get(ctx, memory.CollectionStrategies, "strat-o")
		require.NoError(t, err)
		strat, err := memory.DecodeStrategy(rec)
		require.NoError(t, err)
		assert.Equal(t, 3, strat.Attempts, "counters unchanged by the replay")
	})

	t.Run("Counts Experiences That Bypassed Absorb", func(t *testing.T) {
		rig := newTestRig(t)
		exp := newExperience("imported", "oscillation", "strat-i", true, "")
		rec, err := memory.EncodeExperience(exp)
		require.NoError(t, err)
		require.NoError(t, rig.store.Put(ctx, memory.CollectionExperiences, rec))

		res, err := rig.engine.Reflect(ctx, []string{"imported"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.Equal(t, 1, res.CountersApplied)

		stratRec, err := rig.store.Get(ctx, memory.CollectionStrategies, "strat-i")
		require.NoError(t, err)
		strat, err := memory.DecodeStrategy(stratRec)
		require.NoError(t, err)
		assert.Equal(t, 1, strat.Attempts)
		assert.Equal(t, 1, strat.Successes)
	})

	t.Run("Unknown Ids Are Skipped", func(t *testing.T) {
		rig := newTestRig(t)
		res, err := rig.engine.Reflect(ctx, []string{"no-such-experience"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Processed)
		assert.Equal(t, 1, res.Skipped)
	})

	t.Run("Failed Batches Can Be Retried", func(t *testing.T) {
		rig := newTestRig(t)

		// An active goal with an unrecognized metric makes goal
		// advancement fail after the batch has been walked.
		now := time.Now().UTC()
		poisoned := &memory.Goal{
			ID:          "goal-bad",
			Description: "track learned formulas",
			Category:    "kinematics",
			Metric:      memory.GoalMetric("learned_formulas"),
			Threshold:   1,
			Status:      memory.GoalActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		goalRec, err := memory.EncodeGoal(poisoned)
		require.NoError(t, err)
		require.NoError(t, rig.store.Put(ctx, memory.CollectionGoals, goalRec))

		var ids []string
		for i := 0; i < 3; i++ {
			exp := newExperience(fmt.Sprintf("exp-%d", i), "kinematics", "strat-k", false, "unit_mismatch")
			_, err := rig.engine.Absorb(ctx, exp, "kinematic equations")
			require.NoError(t, err)
			ids = append(ids, exp.ID)
		}

		_, err = rig.engine.Reflect(ctx, ids)
		require.Error(t, err, "unknown metric fails the batch")
		knowledge, err := rig.store.Count(ctx, memory.CollectionKnowledge)
		require.NoError(t, err)

		// Once the cause is gone, the same ids must be processed in
		// full rather than skipped as already reflected.
		_, err = rig.goals.Abandon(ctx, "goal-bad", "metric never implemented")
		require.NoError(t, err)

		res, err := rig.engine.Reflect(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Processed)
		assert.Equal(t, 0, res.Skipped)
		require.Len(t, res.KnowledgeIDs, 1, "pattern mining still happens for the batch")

		after, err := rig.store.Count(ctx, memory.CollectionKnowledge)
		require.NoError(t, err)
		assert.Equal(t, knowledge+1, after)
	})

	t.Run("Concurrent Batches Creating One Strategy", func(t *testing.T) {
		rig := newTestRig(t)
		const n = 16

		// Imported experiences bypass Absorb, so reflection must both
		// create the strategy and apply every counter.
		batches := make([][]string, 2)
		for i := 0; i < n; i++ {
			exp := newExperience(fmt.Sprintf("imp-%d", i), "optics", "fresh", true, "")
			rec, err := memory.EncodeExperience(exp)
			require.NoError(t, err)
			require.NoError(t, rig.store.Put(ctx, memory.CollectionExperiences, rec))
			batches[i%2] = append(batches[i%2], exp.ID)
		}

		var wg sync.WaitGroup
		errs := make([]error, len(batches))
		for i, batch := range batches {
			wg.Add(1)
			go func(i int, batch []string) {
				defer wg.Done()
				_, errs[i] = rig.engine.Reflect(ctx, batch)
			}(i, batch)
		}
		wg.Wait()
		for i, err := range errs {
			require.NoError(t, err, "batch %d", i)
		}

		rec, err := rig.store.Get(ctx, memory.CollectionStrategies, "fresh")
		require.NoError(t, err)
		strat, err := memory.DecodeStrategy(rec)
		require.NoError(t, err)
		assert.Equal(t, n, strat.Attempts, "no increment lost to the create race")
		assert.Equal(t, n, strat.Successes)
	})

	t.Run("Advances Matching Goals", func(t *testing.T) {
		rig := newTestRig(t)
		goal, err := rig.goals.Create(ctx, "three wins in kinematics", "kinematics", memory.MetricCumulativeSuccesses, 3)
		require.NoError(t, err)

		var ids []string
		for i := 0; i < 3; i++ {
			exp := newExperience(fmt.Sprintf("exp-%d", i), "kinematics", "strat-k", true, "")
			_, err := rig.engine.Absorb(ctx, exp, "kinematic equations")
			require.NoError(t, err)
			ids = append(ids, exp.ID)
		}

		res, err := rig.engine.Reflect(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 1, res.GoalsAdvanced)
		assert.Equal(t, 1, res.GoalsCompleted)

		updated, err := rig.goals.Get(ctx, goal.ID)
		require.NoError(t, err)
		assert.Equal(t, memory.GoalCompleted, updated.Status)
		assert.Equal(t, 3.0, updated.Progress)

		// Completion leaves an achievement knowledge item behind.
		require.Len(t, res.KnowledgeIDs, 1)
		rec, err := rig.store.Get(ctx, memory.CollectionKnowledge, res.KnowledgeIDs[0])
		require.NoError(t, err)
		item, err := memory.DecodeKnowledge(rec)
		require.NoError(t, err)
		assert.Equal(t, goal.ID, item.Source)
	})
}

func TestRecentSuccessRate(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	rate, err := rig.engine.RecentSuccessRate(ctx)
	require.NoError(t, err)
	assert.Zero(t, rate)

	for i := 0; i < 4; i++ {
		exp := newExperience(fmt.Sprintf("exp-%d", i), "kinematics", "strat-k", i < 3, "")
		_, err := rig.engine.Absorb(ctx, exp, "kinematic equations")
		require.NoError(t, err)
	}

	rate, err = rig.engine.RecentSuccessRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rate, 1e-9)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	t.Run("TryCount Marks Once", func(t *testing.T) {
		first, err := ledger.TryCount(ctx, "e-1")
		require.NoError(t, err)
		assert.True(t, first)

		again, err := ledger.TryCount(ctx, "e-1")
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("ForgetCounted Releases The Count Mark", func(t *testing.T) {
		first, err := ledger.TryCount(ctx, "e-2")
		require.NoError(t, err)
		require.True(t, first)

		require.NoError(t, ledger.ForgetCounted(ctx, "e-2"))

		retry, err := ledger.TryCount(ctx, "e-2")
		require.NoError(t, err)
		assert.True(t, retry)
	})

	t.Run("ForgetReflected Releases Only The Reflect Mark", func(t *testing.T) {
		counted, err := ledger.TryCount(ctx, "e-4")
		require.NoError(t, err)
		require.True(t, counted)
		reflected, err := ledger.TryReflect(ctx, "e-4")
		require.NoError(t, err)
		require.True(t, reflected)

		require.NoError(t, ledger.ForgetReflected(ctx, "e-4"))

		retry, err := ledger.TryReflect(ctx, "e-4")
		require.NoError(t, err)
		assert.True(t, retry, "reflect mark is free again")

		countedAgain, err := ledger.TryCount(ctx, "e-4")
		require.NoError(t, err)
		assert.False(t, countedAgain, "count mark untouched")
	})

	t.Run("Count And Reflect Marks Are Independent", func(t *testing.T) {
		first, err := ledger.TryCount(ctx, "e-3")
		require.NoError(t, err)
		require.True(t, first)

		reflectFirst, err := ledger.TryReflect(ctx, "e-3")
		require.NoError(t, err)
		assert.True(t, reflectFirst)

		reflectAgain, err := ledger.TryReflect(ctx, "e-3")
		require.NoError(t, err)
		assert.False(t, reflectAgain)
	})
}
