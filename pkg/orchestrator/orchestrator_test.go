package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemoslab/mnemos/pkg/collab"
	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/goals"
	"github.com/mnemoslab/mnemos/pkg/memory"
	"github.com/mnemoslab/mnemos/pkg/reflection"
	"github.com/mnemoslab/mnemos/pkg/strategy"
)

// scriptedSolver returns whatever its script says for the nth call.
type scriptedSolver struct {
	mu     sync.Mutex
	calls  int
	script func(ctx context.Context, call int) (*collab.SolveResult, error)
}

func (s *scriptedSolver) Solve(ctx context.Context, req collab.SolveRequest) (*collab.SolveResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.script(ctx, call)
}

func alwaysSucceed(ctx context.Context, call int) (*collab.SolveResult, error) {
	return &collab.SolveResult{Answer: "about 2.8 seconds", Success: true, Score: 0.9}, nil
}

type staticExplorer struct {
	fragments []collab.Fragment
}

func (e *staticExplorer) Explore(ctx context.Context, concept string) ([]collab.Fragment, error) {
	return e.fragments, nil
}

type orchRig struct {
	store          *memory.Store
	queue          *Queue
	orch           *Orchestrator
	reflectSubmits atomic.Int32
}

func newOrchRig(t *testing.T, solver collab.Solver, explorer collab.Explorer, tweak func(*config.Config)) *orchRig {
	t.Helper()

	cfg := config.Default()
	cfg.Orchestrator.MaxConcurrent = 4
	cfg.Orchestrator.MaxAttempts = 3
	cfg.Orchestrator.RetryBackoff = config.Duration(time.Millisecond)
	cfg.Orchestrator.TaskTimeout = config.Duration(2 * time.Second)
	cfg.Orchestrator.ReflectEvery = 100 // out of the way unless a test lowers it
	if tweak != nil {
		tweak(cfg)
	}

	store, err := memory.Open(":memory:", memory.NewHashingEmbedder(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := reflection.OpenLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	goalMgr := goals.NewManager(store)
	engine := reflection.NewEngine(store, goalMgr, ledger, cfg.Reflection)
	selector := strategy.NewSelector(store, cfg.Selector)

	if explorer == nil {
		explorer = &staticExplorer{}
	}
	handlers := NewHandlers(store, selector, engine, solver, explorer, cfg)

	queue, err := OpenQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	orch := New(queue, handlers.Table(), cfg.Orchestrator)
	t.Cleanup(orch.Close)

	rig := &orchRig{store: store, queue: queue, orch: orch}
	handlers.Bind(func(ctx context.Context, kind TaskKind, payload json.RawMessage) (*Task, error) {
		if kind == KindReflect {
			rig.reflectSubmits.Add(1)
		}
		return orch.Submit(ctx, kind, payload)
	})
	return rig
}

func (r *orchRig) waitTerminal(t *testing.T, id string) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		var err error
		task, err = r.queue.Get(context.Background(), id)
		return err == nil && task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func submitSolve(t *testing.T, rig *orchRig, problem, category string) *Task {
	t.Helper()
	payload, err := json.Marshal(SolvePayload{Problem: problem, Category: category})
	require.NoError(t, err)
	task, err := rig.orch.Submit(context.Background(), KindSolve, payload)
	require.NoError(t, err)
	return task
}

func TestOrchestratorSolve(t *testing.T) {
	ctx := context.Background()

	t.Run("Unknown Kind Rejected", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, nil)
		_, err := rig.orch.Submit(ctx, TaskKind("compile"), nil)
		require.Error(t, err)
		assert.Equal(t, errors.InvalidInput, errors.Code(err))
	})

	t.Run("Fallback Creates The Category Baseline Strategy", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, nil)

		task := submitSolve(t, rig, "A pendulum has length 2m. What is its period?", "oscillation")
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusSucceeded, done.Status)
		assert.Equal(t, 1, done.Attempts)

		var outcome SolveOutcome
		require.NoError(t, json.Unmarshal(done.Result, &outcome))
		assert.True(t, outcome.Success)
		assert.Equal(t, "default/oscillation", outcome.StrategyID)

		expCount, err := rig.store.Count(ctx, memory.CollectionExperiences)
		require.NoError(t, err)
		assert.Equal(t, 1, expCount, "exactly one experience")

		rec, err := rig.store.Get(ctx, memory.CollectionStrategies, "default/oscillation")
		require.NoError(t, err)
		strat, err := memory.DecodeStrategy(rec)
		require.NoError(t, err)
		assert.Equal(t, 1, strat.Attempts)
		assert.Equal(t, 1, strat.Successes)
	})

	t.Run("Transient Failures Retry Then Succeed", func(t *testing.T) {
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			if call <= 2 {
				return nil, errors.New(errors.TransientExternal, "collaborator unavailable")
			}
			return alwaysSucceed(ctx, call)
		}}
		rig := newOrchRig(t, solver, nil, nil)

		task := submitSolve(t, rig, "ballistic range", "kinematics")
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusSucceeded, done.Status)
		assert.Equal(t, 3, done.Attempts)

		expCount, err := rig.store.Count(ctx, memory.CollectionExperiences)
		require.NoError(t, err)
		assert.Equal(t, 1, expCount, "failed attempts must not write experiences")
	})

	t.Run("Timeout Counts As Transient", func(t *testing.T) {
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			if call <= 2 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return alwaysSucceed(ctx, call)
		}}
		rig := newOrchRig(t, solver, nil, func(cfg *config.Config) {
			cfg.Orchestrator.TaskTimeout = config.Duration(20 * time.Millisecond)
		})

		task := submitSolve(t, rig, "slow problem", "kinematics")
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusSucceeded, done.Status)
		assert.Equal(t, 3, done.Attempts)
	})

	t.Run("Permanent Failure Does Not Retry", func(t *testing.T) {
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			return nil, errors.New(errors.InvalidInput, "unparseable problem")
		}}
		rig := newOrchRig(t, solver, nil, nil)

		task := submitSolve(t, rig, "???", "general")
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusFailed, done.Status)
		assert.Equal(t, 1, done.Attempts)
		assert.Contains(t, done.LastError, "unparseable")

		expCount, err := rig.store.Count(ctx, memory.CollectionExperiences)
		require.NoError(t, err)
		assert.Zero(t, expCount)
	})

	t.Run("Retry Exhaustion Fails The Task", func(t *testing.T) {
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			return nil, errors.New(errors.TransientExternal, "still down")
		}}
		rig := newOrchRig(t, solver, nil, func(cfg *config.Config) {
			cfg.Orchestrator.MaxAttempts = 2
		})

		task := submitSolve(t, rig, "p", "general")
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusFailed, done.Status)
		assert.Equal(t, 2, done.Attempts)
		assert.Contains(t, done.LastError, "retry attempts exhausted")
	})

	t.Run("Reuses The Known Strategy", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, nil)

		first := submitSolve(t, rig, "pendulum one", "oscillation")
		rig.waitTerminal(t, first.ID)
		second := submitSolve(t, rig, "pendulum two", "oscillation")
		done := rig.waitTerminal(t, second.ID)

		var outcome SolveOutcome
		require.NoError(t, json.Unmarshal(done.Result, &outcome))
		assert.Equal(t, "default/oscillation", outcome.StrategyID)

		stratCount, err := rig.store.Count(ctx, memory.CollectionStrategies)
		require.NoError(t, err)
		assert.Equal(t, 1, stratCount, "second solve must reuse, not fork, the strategy")
	})
}

func TestOrchestratorExploreAndReflect(t *testing.T) {
	ctx := context.Background()

	t.Run("Explore Stores Fragments As Knowledge", func(t *testing.T) {
		explorer := &staticExplorer{fragments: []collab.Fragment{
			{Content: "the period of a pendulum grows with the square root of its length"},
			{Content: "small-angle approximation holds below roughly 15 degrees"},
		}}
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, explorer, nil)

		payload, err := json.Marshal(ExplorePayload{Concept: "pendulum"})
		require.NoError(t, err)
		task, err := rig.orch.Submit(ctx, KindExplore, payload)
		require.NoError(t, err)

		done := rig.waitTerminal(t, task.ID)
		require.Equal(t, StatusSucceeded, done.Status)

		var outcome ExploreOutcome
		require.NoError(t, json.Unmarshal(done.Result, &outcome))
		require.Len(t, outcome.KnowledgeIDs, 2)

		for _, id := range outcome.KnowledgeIDs {
			rec, err := rig.store.Get(ctx, memory.CollectionKnowledge, id)
			require.NoError(t, err)
			item, err := memory.DecodeKnowledge(rec)
			require.NoError(t, err)
			assert.Equal(t, "pendulum", item.Concept)
			assert.Equal(t, "exploration", item.Source)
		}
	})

	t.Run("Explicit Reflect Processes A Batch", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, nil)

		solve := submitSolve(t, rig, "pendulum", "oscillation")
		done := rig.waitTerminal(t, solve.ID)
		var outcome SolveOutcome
		require.NoError(t, json.Unmarshal(done.Result, &outcome))

		payload, err := json.Marshal(ReflectPayload{ExperienceIDs: []string{outcome.ExperienceID}})
		require.NoError(t, err)
		task, err := rig.orch.Submit(ctx, KindReflect, payload)
		require.NoError(t, err)

		reflected := rig.waitTerminal(t, task.ID)
		require.Equal(t, StatusSucceeded, reflected.Status)

		var res reflection.Result
		require.NoError(t, json.Unmarshal(reflected.Result, &res))
		assert.Equal(t, 1, res.Processed)
	})

	t.Run("Auto Reflection Fires Per Batch", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, func(cfg *config.Config) {
			cfg.Orchestrator.ReflectEvery = 3
		})

		for i := 0; i < 3; i++ {
			task := submitSolve(t, rig, fmt.Sprintf("problem %d", i), "kinematics")
			rig.waitTerminal(t, task.ID)
		}
		require.Eventually(t, func() bool {
			return rig.reflectSubmits.Load() == 1
		}, 5*time.Second, 5*time.Millisecond, "a full batch must trigger exactly one reflection")

		// The next solve alone must not re-trigger.
		task := submitSolve(t, rig, "problem 3", "kinematics")
		rig.waitTerminal(t, task.ID)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), rig.reflectSubmits.Load())
	})
}

func TestOrchestratorCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("Cancel Running Task", func(t *testing.T) {
		started := make(chan struct{})
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		rig := newOrchRig(t, solver, nil, nil)

		task := submitSolve(t, rig, "endless", "general")
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("solver never started")
		}

		require.NoError(t, rig.orch.Cancel(ctx, task.ID))
		done := rig.waitTerminal(t, task.ID)
		assert.Equal(t, StatusFailed, done.Status)
		assert.Contains(t, done.LastError, "canceled")

		// Cancelling a finished task is an invalid transition.
		err := rig.orch.Cancel(ctx, task.ID)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidTransition(err))
	})

	t.Run("Cancel Pending Task", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		var calls atomic.Int32
		solver := &scriptedSolver{script: func(ctx context.Context, call int) (*collab.SolveResult, error) {
			calls.Add(1)
			if call == 1 {
				close(started)
				<-release
			}
			return alwaysSucceed(ctx, call)
		}}
		rig := newOrchRig(t, solver, nil, func(cfg *config.Config) {
			cfg.Orchestrator.MaxConcurrent = 1
		})

		blocker := submitSolve(t, rig, "first", "general")
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("solver never started")
		}
		queued := submitSolve(t, rig, "second", "general")

		require.NoError(t, rig.orch.Cancel(ctx, queued.ID))
		got, err := rig.queue.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Contains(t, got.LastError, "canceled")

		close(release)
		done := rig.waitTerminal(t, blocker.ID)
		assert.Equal(t, StatusSucceeded, done.Status)
		assert.Equal(t, int32(1), calls.Load(), "the canceled task never reaches the solver")
	})

	t.Run("Cancel Unknown Task", func(t *testing.T) {
		rig := newOrchRig(t, &scriptedSolver{script: alwaysSucceed}, nil, nil)
		err := rig.orch.Cancel(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestOrchestratorRecovery(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Orchestrator.MaxConcurrent = 2
	cfg.Orchestrator.MaxAttempts = 3
	cfg.Orchestrator.RetryBackoff = config.Duration(time.Millisecond)
	cfg.Orchestrator.TaskTimeout = config.Duration(2 * time.Second)
	cfg.Orchestrator.ReflectEvery = 100

	store, err := memory.Open(":memory:", memory.NewHashingEmbedder(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ledger, err := reflection.OpenLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	goalMgr := goals.NewManager(store)
	engine := reflection.NewEngine(store, goalMgr, ledger, cfg.Reflection)
	selector := strategy.NewSelector(store, cfg.Selector)
	handlers := NewHandlers(store, selector, engine, &scriptedSolver{script: alwaysSucceed}, &staticExplorer{}, cfg)

	queue, err := OpenQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	// Work left behind by a previous process: one task never picked up,
	// one interrupted mid-attempt.
	payload, err := json.Marshal(SolvePayload{Problem: "pendulum period", Category: "oscillation"})
	require.NoError(t, err)
	pending, err := queue.Create(ctx, KindSolve, payload)
	require.NoError(t, err)
	interrupted, err := queue.Create(ctx, KindSolve, payload)
	require.NoError(t, err)
	_, err = queue.MarkRunning(ctx, interrupted.ID)
	require.NoError(t, err)

	orch := New(queue, handlers.Table(), cfg.Orchestrator)
	t.Cleanup(orch.Close)
	handlers.Bind(orch.Submit)

	for _, id := range []string{pending.ID, interrupted.ID} {
		var task *Task
		require.Eventually(t, func() bool {
			var gerr error
			task, gerr = queue.Get(ctx, id)
			return gerr == nil && task.Status.Terminal()
		}, 5*time.Second, 5*time.Millisecond, "restart must finish task %s", id)
		assert.Equal(t, StatusSucceeded, task.Status)
	}

	// The interrupted attempt still counts toward the task's total.
	task, err := queue.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempts)
}
