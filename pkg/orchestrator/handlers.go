package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemoslab/mnemos/pkg/collab"
	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
	"github.com/mnemoslab/mnemos/pkg/reflection"
	"github.com/mnemoslab/mnemos/pkg/strategy"
)

// SolvePayload is the input of a solve task.
type SolvePayload struct {
	Problem  string `json:"problem_text"`
	Category string `json:"category,omitempty"`
}

// SolveOutcome is the recorded result of a solve task.
type SolveOutcome struct {
	Answer       string  `json:"answer"`
	Success      bool    `json:"success"`
	Score        float64 `json:"score"`
	ExperienceID string  `json:"experience_id"`
	StrategyID   string  `json:"strategy_id"`
}

// ExplorePayload is the input of an explore task.
type ExplorePayload struct {
	Concept  string `json:"concept"`
	Category string `json:"category,omitempty"`
}

// ExploreOutcome lists the knowledge written by an explore task.
type ExploreOutcome struct {
	Concept      string   `json:"concept"`
	KnowledgeIDs []string `json:"knowledge_ids"`
}

// ReflectPayload is the input of a reflect task. An empty id list means
// reflect over the recent experience window.
type ReflectPayload struct {
	ExperienceIDs []string `json:"experience_ids,omitempty"`
}

// SubmitFunc lets handlers enqueue follow-up tasks without a direct
// orchestrator reference.
type SubmitFunc func(ctx context.Context, kind TaskKind, payload json.RawMessage) (*Task, error)

// Handlers owns the task implementations and the auto-reflection
// trigger that fires after every batch of new experiences.
type Handlers struct {
	store    *memory.Store
	selector *strategy.Selector
	engine   *reflection.Engine
	solver   collab.Solver
	explorer collab.Explorer
	logger   *logging.Logger

	topN         int
	recentWindow int
	reflectEvery int

	submit SubmitFunc

	mu      sync.Mutex
	pending []string // experience ids awaiting reflection
}

// NewHandlers wires the task implementations to their collaborators.
func NewHandlers(
	store *memory.Store,
	selector *strategy.Selector,
	engine *reflection.Engine,
	solver collab.Solver,
	explorer collab.Explorer,
	cfg *config.Config,
) *Handlers {
	return &Handlers{
		store:        store,
		selector:     selector,
		engine:       engine,
		solver:       solver,
		explorer:     explorer,
		logger:       logging.GetLogger(),
		topN:         cfg.Selector.TopN,
		recentWindow: cfg.Reflection.RecentWindow,
		reflectEvery: cfg.Orchestrator.ReflectEvery,
	}
}

// Bind installs the submit function used for follow-up reflect tasks.
// Must be called before the orchestrator starts delivering work.
func (h *Handlers) Bind(submit SubmitFunc) {
	h.submit = submit
}

// Table returns the kind-to-handler dispatch table.
func (h *Handlers) Table() map[TaskKind]Handler {
	return map[TaskKind]Handler{
		KindSolve:   h.Solve,
		KindExplore: h.Explore,
		KindReflect: h.Reflect,
	}
}

// Solve runs one problem through the solving collaborator and commits
// the resulting experience plus its strategy counters.
func (h *Handlers) Solve(ctx context.Context, task *Task) (json.RawMessage, error) {
	var p SolvePayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "malformed solve payload")
	}
	if p.Problem == "" {
		return nil, errors.New(errors.InvalidInput, "problem_text is required")
	}
	if p.Category == "" {
		p.Category = "general"
	}

	candidates, err := h.selector.Select(ctx, p.Category, h.topN)
	if err != nil {
		return nil, err
	}
	var strategyID, description string
	if len(candidates) > 0 {
		strategyID = candidates[0].ID
		description = candidates[0].Description
	}

	if err := errors.CheckContext(ctx, "solve"); err != nil {
		return nil, err
	}
	res, err := h.solver.Solve(ctx, collab.SolveRequest{
		Problem:      p.Problem,
		Category:     p.Category,
		StrategyHint: description,
	})
	if err != nil {
		return nil, err
	}

	if strategyID == "" {
		// First problem in this category: the fallback attempt becomes
		// the category's baseline strategy.
		strategyID = "default/" + p.Category
		description = "baseline approach for " + p.Category + " problems"
	}

	if err := errors.CheckContext(ctx, "solve"); err != nil {
		return nil, err
	}
	exp := &memory.Experience{
		ID:         uuid.New().String(),
		Category:   p.Category,
		Problem:    p.Problem,
		StrategyID: strategyID,
		Success:    res.Success,
		Score:      res.Score,
		Notes:      res.Notes,
		Signature:  res.Signature,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := h.engine.Absorb(ctx, exp, description); err != nil {
		return nil, err
	}
	h.noteExperience(ctx, exp.ID)

	return json.Marshal(SolveOutcome{
		Answer:       res.Answer,
		Success:      res.Success,
		Score:        res.Score,
		ExperienceID: exp.ID,
		StrategyID:   strategyID,
	})
}

// Explore asks the exploring collaborator to expand a concept and
// stores each returned fragment as a knowledge item.
func (h *Handlers) Explore(ctx context.Context, task *Task) (json.RawMessage, error) {
	var p ExplorePayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "malformed explore payload")
	}
	if p.Concept == "" {
		return nil, errors.New(errors.InvalidInput, "concept is required")
	}
	if p.Category == "" {
		p.Category = p.Concept
	}

	fragments, err := h.explorer.Explore(ctx, p.Concept)
	if err != nil {
		return nil, err
	}

	outcome := ExploreOutcome{Concept: p.Concept, KnowledgeIDs: []string{}}
	for _, frag := range fragments {
		if err := errors.CheckContext(ctx, "explore"); err != nil {
			return nil, err
		}
		if frag.Content == "" {
			continue
		}
		item := &memory.KnowledgeItem{
			ID:        uuid.New().String(),
			Category:  p.Category,
			Concept:   p.Concept,
			Content:   frag.Content,
			Source:    "exploration",
			CreatedAt: time.Now().UTC(),
		}
		rec, err := memory.EncodeKnowledge(item)
		if err != nil {
			return nil, err
		}
		if err := h.store.Put(ctx, memory.CollectionKnowledge, rec); err != nil {
			return nil, err
		}
		outcome.KnowledgeIDs = append(outcome.KnowledgeIDs, item.ID)
	}
	h.logger.Info(ctx, "explored %q into %d knowledge items", p.Concept, len(outcome.KnowledgeIDs))
	return json.Marshal(outcome)
}

// Reflect runs the reflection engine over the given experience batch,
// or over the recent window when no ids are supplied.
func (h *Handlers) Reflect(ctx context.Context, task *Task) (json.RawMessage, error) {
	var p ReflectPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, errors.Wrap(err, errors.InvalidInput, "malformed reflect payload")
		}
	}

	ids := p.ExperienceIDs
	if len(ids) == 0 {
		recs, err := h.store.List(ctx, memory.CollectionExperiences, memory.ListOptions{Limit: h.recentWindow})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}

	res, err := h.engine.Reflect(ctx, ids)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// noteExperience accumulates new experience ids and enqueues a reflect
// task once a full batch has built up.
func (h *Handlers) noteExperience(ctx context.Context, id string) {
	h.mu.Lock()
	h.pending = append(h.pending, id)
	if h.reflectEvery <= 0 || len(h.pending) < h.reflectEvery {
		h.mu.Unlock()
		return
	}
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if h.submit == nil {
		return
	}
	payload, err := json.Marshal(ReflectPayload{ExperienceIDs: batch})
	if err != nil {
		h.logger.Error(ctx, "failed to encode reflect batch: %v", err)
		return
	}
	// Detached from the solve task's context so cancellation of the
	// triggering task does not lose the batch.
	if _, err := h.submit(context.WithoutCancel(ctx), KindReflect, payload); err != nil {
		h.logger.Error(ctx, "failed to enqueue reflection for %d experiences: %v", len(batch), err)
	}
}
