// Package goals tracks autonomous learning objectives and their
// lifecycle: active until a completion threshold is reached or the goal
// is abandoned, terminal afterwards.
package goals

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
)

// Manager owns all goal mutations. Other components read goals through
// the store but only ever change them here.
type Manager struct {
	store *memory.Store
}

// NewManager creates a goal manager over the shared memory store.
func NewManager(store *memory.Store) *Manager {
	return &Manager{store: store}
}

// Create registers a new active goal and returns it.
func (m *Manager) Create(ctx context.Context, description, category string, metric memory.GoalMetric, threshold float64) (*memory.Goal, error) {
	if description == "" {
		return nil, errors.New(errors.InvalidInput, "goal description must not be empty")
	}
	if threshold <= 0 {
		return nil, errors.New(errors.InvalidInput, "goal threshold must be positive")
	}
	switch metric {
	case memory.MetricCumulativeSuccesses, memory.MetricSuccessRate:
	default:
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "unknown goal metric"),
			errors.Fields{"metric": metric},
		)
	}

	now := time.Now().UTC()
	goal := &memory.Goal{
		ID:          uuid.New().String(),
		Description: description,
		Category:    category,
		Metric:      metric,
		Threshold:   threshold,
		Status:      memory.GoalActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	rec, err := memory.EncodeGoal(goal)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, memory.CollectionGoals, rec); err != nil {
		return nil, err
	}

	logging.GetLogger().Info(ctx, "goal created: %s (category=%s metric=%s threshold=%.2f)",
		goal.ID, category, metric, threshold)
	return goal, nil
}

// Advance moves an active goal's progress to value. Progress is
// monotonically non-decreasing: a lower value is ignored rather than
// applied. Reaching the threshold transitions the goal to completed.
// Calling Advance on a terminal goal fails with InvalidTransition.
// Returns the updated goal and whether this call completed it.
func (m *Manager) Advance(ctx context.Context, goalID string, value float64) (*memory.Goal, bool, error) {
	var updated *memory.Goal
	completed := false

	err := m.store.Update(ctx, memory.CollectionGoals, goalID, func(rec *memory.Record) error {
		goal, err := memory.DecodeGoal(*rec)
		if err != nil {
			return err
		}
		if goal.Status != memory.GoalActive {
			return errors.WithFields(
				errors.New(errors.InvalidTransition, "cannot advance a non-active goal"),
				errors.Fields{"goal_id": goalID, "status": goal.Status},
			)
		}

		if value > goal.Progress {
			goal.Progress = value
		}
		goal.UpdatedAt = time.Now().UTC()
		if goal.Progress >= goal.Threshold {
			goal.Status = memory.GoalCompleted
			completed = true
		}

		next, err := memory.EncodeGoal(goal)
		if err != nil {
			return err
		}
		next.CreatedAt = rec.CreatedAt
		*rec = next
		updated = goal
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if completed {
		logging.GetLogger().Info(ctx, "goal completed: %s (%s)", updated.ID, updated.Description)
	}
	return updated, completed, nil
}

// Abandon transitions an active goal to abandoned with a reason; it
// fails with InvalidTransition if the goal is already terminal.
func (m *Manager) Abandon(ctx context.Context, goalID, reason string) (*memory.Goal, error) {
	var updated *memory.Goal

	err := m.store.Update(ctx, memory.CollectionGoals, goalID, func(rec *memory.Record) error {
		goal, err := memory.DecodeGoal(*rec)
		if err != nil {
			return err
		}
		if goal.Status.Terminal() {
			return errors.WithFields(
				errors.New(errors.InvalidTransition, "goal is already terminal"),
				errors.Fields{"goal_id": goalID, "status": goal.Status},
			)
		}

		goal.Status = memory.GoalAbandoned
		goal.Reason = reason
		goal.UpdatedAt = time.Now().UTC()

		next, err := memory.EncodeGoal(goal)
		if err != nil {
			return err
		}
		next.CreatedAt = rec.CreatedAt
		*rec = next
		updated = goal
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.GetLogger().Info(ctx, "goal abandoned: %s (%s)", updated.ID, reason)
	return updated, nil
}

// Get returns one goal by id.
func (m *Manager) Get(ctx context.Context, goalID string) (*memory.Goal, error) {
	rec, err := m.store.Get(ctx, memory.CollectionGoals, goalID)
	if err != nil {
		return nil, err
	}
	return memory.DecodeGoal(rec)
}

// ListActive returns all active goals, newest first, for the
// orchestrator to consider when scheduling autonomous exploration.
func (m *Manager) ListActive(ctx context.Context) ([]*memory.Goal, error) {
	recs, err := m.store.List(ctx, memory.CollectionGoals, memory.ListOptions{})
	if err != nil {
		return nil, err
	}

	var active []*memory.Goal
	for _, rec := range recs {
		goal, err := memory.DecodeGoal(rec)
		if err != nil {
			return nil, err
		}
		if goal.Status == memory.GoalActive {
			active = append(active, goal)
		}
	}
	return active, nil
}
