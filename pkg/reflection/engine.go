// Package reflection turns raw experiences into strategy counter
// updates, reusable knowledge and goal progress.
package reflection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/goals"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
)

// Result summarizes one batch reflection run.
type Result struct {
	Processed       int      `json:"processed"`
	Skipped         int      `json:"skipped"`
	CountersApplied int      `json:"counters_applied"`
	KnowledgeIDs    []string `json:"knowledge_ids,omitempty"`
	GoalsAdvanced   int      `json:"goals_advanced"`
	GoalsCompleted  int      `json:"goals_completed"`
}

// Engine is the only component that mutates strategy counters. It is
// idempotent: replaying the same experience ids changes nothing thanks
// to the ledger.
type Engine struct {
	store  *memory.Store
	goals  *goals.Manager
	ledger *Ledger
	cfg    config.ReflectionConfig
}

// NewEngine creates a reflection engine over the shared store.
func NewEngine(store *memory.Store, goalMgr *goals.Manager, ledger *Ledger, cfg config.ReflectionConfig) *Engine {
	return &Engine{store: store, goals: goalMgr, ledger: ledger, cfg: cfg}
}

// Absorb commits a fresh experience together with its strategy's
// counter update as one atomic unit. Called by the solve worker right
// after the collaborator returns; the strategy's attempts/successes
// counters only ever change here and in Reflect, both guarded by the
// ledger. The strategy is created on first use.
func (e *Engine) Absorb(ctx context.Context, exp *memory.Experience, strategyDescription string) (*memory.Strategy, error) {
	first, err := e.ledger.TryCount(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	strat, err := e.store.CommitExperience(ctx, exp, func(strat *memory.Strategy, created bool) error {
		if created || strat.Description == "" {
			strat.Description = strategyDescription
		}
		if first {
			strat.Attempts++
			if exp.Success {
				strat.Successes++
			}
		}
		return nil
	})
	if err != nil {
		if first {
			// The commit that the mark guarded never happened.
			if ferr := e.ledger.ForgetCounted(ctx, exp.ID); ferr != nil {
				logging.GetLogger().Error(ctx, "failed to unwind ledger for %s: %v", exp.ID, ferr)
			}
		}
		return nil, err
	}
	return strat, nil
}

// Reflect processes a batch of experience ids: applies any counter
// updates not yet accounted for, mines shared failure patterns into
// knowledge items, and advances matching active goals. Ids already
// reflected upon are silently skipped; unknown ids are skipped with a
// warning and left unmarked, since a retried trigger may race record
// visibility. When the batch fails partway, every reflect mark taken by
// this run is released so a retry redoes the work instead of skipping
// the whole batch.
func (e *Engine) Reflect(ctx context.Context, experienceIDs []string) (*Result, error) {
	logger := logging.GetLogger()
	res := &Result{}

	var marked []string
	unwind := func(err error) (*Result, error) {
		for _, id := range marked {
			if ferr := e.ledger.ForgetReflected(ctx, id); ferr != nil {
				logger.Error(ctx, "failed to unwind reflect mark for %s: %v", id, ferr)
			}
		}
		return nil, err
	}

	var batch []*memory.Experience
	for _, id := range experienceIDs {
		if err := errors.CheckContext(ctx, "reflection"); err != nil {
			return unwind(err)
		}

		first, err := e.ledger.TryReflect(ctx, id)
		if err != nil {
			return unwind(err)
		}
		if !first {
			res.Skipped++
			continue
		}
		marked = append(marked, id)

		rec, err := e.store.Get(ctx, memory.CollectionExperiences, id)
		if err != nil {
			if errors.IsNotFound(err) {
				logger.Warn(ctx, "reflection skipping unknown experience %s", id)
				if ferr := e.ledger.ForgetReflected(ctx, id); ferr != nil {
					logger.Error(ctx, "failed to unwind reflect mark for %s: %v", id, ferr)
				}
				marked = marked[:len(marked)-1]
				res.Skipped++
				continue
			}
			return unwind(err)
		}
		exp, err := memory.DecodeExperience(rec)
		if err != nil {
			return unwind(err)
		}

		applied, err := e.ensureCounted(ctx, exp)
		if err != nil {
			return unwind(err)
		}
		if applied {
			res.CountersApplied++
		}

		batch = append(batch, exp)
		res.Processed++
	}

	if len(batch) == 0 {
		return res, nil
	}

	if err := e.minePatterns(ctx, batch, res); err != nil {
		return unwind(err)
	}
	if err := e.advanceGoals(ctx, batch, res); err != nil {
		return unwind(err)
	}

	logger.Info(ctx, "reflection done: processed=%d skipped=%d counters=%d knowledge=%d goals=%d",
		res.Processed, res.Skipped, res.CountersApplied, len(res.KnowledgeIDs), res.GoalsAdvanced)
	return res, nil
}

// ensureCounted applies the counter increment for experiences that
// bypassed Absorb (imports, replays). Normally a no-op. The
// create-or-modify runs under the strategy's id lock, so concurrent
// batches naming the same absent strategy cannot lose an increment, and
// a failed commit releases the count mark for a later retry.
func (e *Engine) ensureCounted(ctx context.Context, exp *memory.Experience) (bool, error) {
	first, err := e.ledger.TryCount(ctx, exp.ID)
	if err != nil || !first {
		return false, err
	}

	_, err = e.store.MutateStrategy(ctx, exp.StrategyID, exp.Category, func(strat *memory.Strategy, created bool) error {
		strat.Attempts++
		if exp.Success {
			strat.Successes++
		}
		if exp.CreatedAt.After(strat.LastUsed) {
			strat.LastUsed = exp.CreatedAt
		}
		return nil
	})
	if err != nil {
		// The commit that the count mark guarded never happened.
		if ferr := e.ledger.ForgetCounted(ctx, exp.ID); ferr != nil {
			logging.GetLogger().Error(ctx, "failed to unwind ledger for %s: %v", exp.ID, ferr)
		}
		return false, err
	}
	return true, nil
}

// minePatterns groups the batch's failures by (category, strategy,
// signature) and emits one knowledge item per group that crosses the
// configured minimum, linked back to the failing strategy. An existing
// item for the same pattern is superseded rather than duplicated.
func (e *Engine) minePatterns(ctx context.Context, batch []*memory.Experience, res *Result) error {
	type patternKey struct {
		category  string
		strategy  string
		signature string
	}
	groups := make(map[patternKey][]*memory.Experience)
	for _, exp := range batch {
		if exp.Success || exp.Signature == "" {
			continue
		}
		key := patternKey{exp.Category, exp.StrategyID, exp.Signature}
		groups[key] = append(groups[key], exp)
	}

	for key, failures := range groups {
		if len(failures) < e.cfg.MinPatternFailures {
			continue
		}

		item := &memory.KnowledgeItem{
			ID:       uuid.New().String(),
			Category: key.category,
			Concept:  key.signature,
			Content: fmt.Sprintf("strategy %q failed %d times on %s problems with signature %q; example: %s",
				key.strategy, len(failures), key.category, key.signature, failures[0].Problem),
			Source:    key.strategy,
			CreatedAt: time.Now().UTC(),
		}

		// Supersede the previous item for this pattern, if any.
		prev, err := e.store.Query(ctx, memory.CollectionKnowledge, memory.QueryRequest{
			Text: item.Content,
			K:    1,
			Filter: map[string]string{
				"concept": key.signature,
				"source":  key.strategy,
			},
		})
		if err != nil {
			return err
		}
		if len(prev) > 0 {
			item.Supersedes = prev[0].ID
		}

		rec, err := memory.EncodeKnowledge(item)
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, memory.CollectionKnowledge, rec); err != nil {
			return err
		}
		res.KnowledgeIDs = append(res.KnowledgeIDs, item.ID)
	}
	return nil
}

// advanceGoals recomputes each matching active goal's metric and moves
// its progress. Completed goals get a knowledge item marking the
// achievement.
func (e *Engine) advanceGoals(ctx context.Context, batch []*memory.Experience, res *Result) error {
	categories := make(map[string]bool)
	for _, exp := range batch {
		categories[exp.Category] = true
	}

	active, err := e.goals.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, goal := range active {
		if goal.Category != "" && !categories[goal.Category] {
			continue
		}

		value, err := e.metricValue(ctx, goal)
		if err != nil {
			return err
		}

		updated, completed, err := e.goals.Advance(ctx, goal.ID, value)
		if err != nil {
			// A concurrent reflection may have completed it already.
			if errors.IsInvalidTransition(err) {
				continue
			}
			return err
		}
		res.GoalsAdvanced++

		if completed {
			res.GoalsCompleted++
			item := &memory.KnowledgeItem{
				ID:       uuid.New().String(),
				Category: updated.Category,
				Content: fmt.Sprintf("goal achieved: %s (%s reached %.2f, threshold %.2f)",
					updated.Description, updated.Metric, updated.Progress, updated.Threshold),
				Source:    updated.ID,
				CreatedAt: time.Now().UTC(),
			}
			rec, err := memory.EncodeKnowledge(item)
			if err != nil {
				return err
			}
			if err := e.store.Put(ctx, memory.CollectionKnowledge, rec); err != nil {
				return err
			}
			res.KnowledgeIDs = append(res.KnowledgeIDs, item.ID)
		}
	}
	return nil
}

func (e *Engine) metricValue(ctx context.Context, goal *memory.Goal) (float64, error) {
	switch goal.Metric {
	case memory.MetricCumulativeSuccesses:
		recs, err := e.store.List(ctx, memory.CollectionExperiences, memory.ListOptions{Category: goal.Category})
		if err != nil {
			return 0, err
		}
		var successes int
		for _, rec := range recs {
			if rec.Meta["success"] == "true" {
				successes++
			}
		}
		return float64(successes), nil

	case memory.MetricSuccessRate:
		recs, err := e.store.List(ctx, memory.CollectionExperiences, memory.ListOptions{
			Category: goal.Category,
			Limit:    e.cfg.RecentWindow,
		})
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			return 0, nil
		}
		var successes int
		for _, rec := range recs {
			if rec.Meta["success"] == "true" {
				successes++
			}
		}
		return float64(successes) / float64(len(recs)), nil

	default:
		return 0, errors.WithFields(
			errors.New(errors.InvalidInput, "unknown goal metric "+strconv.Quote(string(goal.Metric))),
			errors.Fields{"goal_id": goal.ID},
		)
	}
}

// RecentSuccessRate reports the success rate over the most recent
// window of experiences across all categories.
func (e *Engine) RecentSuccessRate(ctx context.Context) (float64, error) {
	recs, err := e.store.List(ctx, memory.CollectionExperiences, memory.ListOptions{Limit: e.cfg.RecentWindow})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	var successes int
	for _, rec := range recs {
		if rec.Meta["success"] == "true" {
			successes++
		}
	}
	return float64(successes) / float64(len(recs)), nil
}
