// Package server exposes the agent core over HTTP. Submission
// endpoints are accept-and-poll: they admit a task and return its id
// without blocking on execution.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/goals"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
	"github.com/mnemoslab/mnemos/pkg/orchestrator"
	"github.com/mnemoslab/mnemos/pkg/reflection"
)

// Server routes the HTTP API onto the orchestrator, memory store, goal
// manager, and reflection engine.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	store  *memory.Store
	goals  *goals.Manager
	engine *reflection.Engine
	logger *logging.Logger
}

// New assembles the router over the given components.
func New(orch *orchestrator.Orchestrator, store *memory.Store, goalMgr *goals.Manager, engine *reflection.Engine) *Server {
	s := &Server{
		router: chi.NewRouter(),
		orch:   orch,
		store:  store,
		goals:  goalMgr,
		engine: engine,
		logger: logging.GetLogger(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/solve_problem", s.handleSolveProblem)
	s.router.Get("/task_status/{taskID}", s.handleTaskStatus)
	s.router.Get("/agent_status", s.handleAgentStatus)
	s.router.Post("/agent_action", s.handleAgentAction)
	s.router.Post("/set_goal", s.handleSetGoal)
	s.router.Post("/abandon_goal", s.handleAbandonGoal)
	s.router.Post("/cancel_task", s.handleCancelTask)
	s.router.Get("/agent_memory", s.handleAgentMemory)
	s.router.Get("/knowledge/{concept}", s.handleKnowledge)
	s.router.Get("/learning_insights", s.handleLearningInsights)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type solveProblemRequest struct {
	Problem  string `json:"problem_text"`
	Category string `json:"category,omitempty"`
}

func (s *Server) handleSolveProblem(w http.ResponseWriter, r *http.Request) {
	var req solveProblemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.InvalidInput, "malformed request body"))
		return
	}
	if req.Problem == "" {
		s.writeError(w, r, errors.New(errors.InvalidInput, "problem_text is required"))
		return
	}

	payload, err := json.Marshal(orchestrator.SolvePayload{Problem: req.Problem, Category: req.Category})
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.Unknown, "failed to encode task payload"))
		return
	}
	task, err := s.orch.Submit(r.Context(), orchestrator.KindSolve, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

type taskStatusResponse struct {
	TaskID   string          `json:"task_id"`
	Kind     string          `json:"kind"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskStatusResponse{
		TaskID:   task.ID,
		Kind:     string(task.Kind),
		Status:   string(task.Status),
		Attempts: task.Attempts,
		Result:   task.Result,
		Error:    task.LastError,
	})
}

type agentStatusResponse struct {
	ActiveTasks       int            `json:"active_tasks"`
	TasksByStatus     map[string]int `json:"tasks_by_status"`
	RecentSuccessRate float64        `json:"recent_success_rate"`
	ActiveGoals       []*memory.Goal `json:"active_goals"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.orch.Counts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rate, err := s.engine.RecentSuccessRate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	activeGoals, err := s.goals.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if activeGoals == nil {
		activeGoals = []*memory.Goal{}
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	active := counts[orchestrator.StatusPending] +
		counts[orchestrator.StatusRunning] +
		counts[orchestrator.StatusRetrying]

	s.writeJSON(w, http.StatusOK, agentStatusResponse{
		ActiveTasks:       active,
		TasksByStatus:     byStatus,
		RecentSuccessRate: rate,
		ActiveGoals:       activeGoals,
	})
}

type agentActionRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	var req agentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.InvalidInput, "malformed request body"))
		return
	}

	var kind orchestrator.TaskKind
	switch req.Kind {
	case "explore":
		kind = orchestrator.KindExplore
	case "reflect":
		kind = orchestrator.KindReflect
	default:
		s.writeError(w, r, errors.WithFields(
			errors.New(errors.InvalidInput, "kind must be explore or reflect"),
			errors.Fields{"kind": req.Kind},
		))
		return
	}

	task, err := s.orch.Submit(r.Context(), kind, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

type setGoalRequest struct {
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Metric      string  `json:"metric"`
	Threshold   float64 `json:"threshold"`
}

func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	var req setGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.InvalidInput, "malformed request body"))
		return
	}

	goal, err := s.goals.Create(r.Context(), req.Description, req.Category,
		memory.GoalMetric(req.Metric), req.Threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"goal_id": goal.ID})
}

type abandonGoalRequest struct {
	GoalID string `json:"goal_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAbandonGoal(w http.ResponseWriter, r *http.Request) {
	var req abandonGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.InvalidInput, "malformed request body"))
		return
	}
	if req.GoalID == "" {
		s.writeError(w, r, errors.New(errors.InvalidInput, "goal_id is required"))
		return
	}

	goal, err := s.goals.Abandon(r.Context(), req.GoalID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, goal)
}

type cancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.InvalidInput, "malformed request body"))
		return
	}
	if req.TaskID == "" {
		s.writeError(w, r, errors.New(errors.InvalidInput, "task_id is required"))
		return
	}

	if err := s.orch.Cancel(r.Context(), req.TaskID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": req.TaskID, "status": "cancel_requested"})
}

type memoryHit struct {
	ID         string            `json:"id"`
	Category   string            `json:"category"`
	Text       string            `json:"text"`
	Meta       map[string]string `json:"meta,omitempty"`
	Similarity float32           `json:"similarity,omitempty"`
}

func (s *Server) handleAgentMemory(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collection = memory.CollectionExperiences
	}
	query := r.URL.Query().Get("query")
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, errors.New(errors.InvalidInput, "k must be a positive integer"))
			return
		}
		k = parsed
	}

	hits := []memoryHit{}
	if query == "" {
		recs, err := s.store.List(r.Context(), collection, memory.ListOptions{Limit: k})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, rec := range recs {
			hits = append(hits, memoryHit{ID: rec.ID, Category: rec.Category, Text: rec.Text, Meta: rec.Meta})
		}
	} else {
		results, err := s.store.Query(r.Context(), collection, memory.QueryRequest{Text: query, K: k})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, res := range results {
			hits = append(hits, memoryHit{
				ID:         res.ID,
				Category:   res.Category,
				Text:       res.Text,
				Meta:       res.Meta,
				Similarity: res.Similarity,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"collection": collection, "records": hits})
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	concept := chi.URLParam(r, "concept")

	recs, err := s.store.List(r.Context(), memory.CollectionKnowledge, memory.ListOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := []*memory.KnowledgeItem{}
	for _, rec := range recs {
		if rec.Meta["concept"] != concept {
			continue
		}
		item, err := memory.DecodeKnowledge(rec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		s.writeError(w, r, errors.WithFields(
			errors.New(errors.ResourceNotFound, "no knowledge for concept"),
			errors.Fields{"concept": concept},
		))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"concept": concept, "items": items})
}

type strategyInsight struct {
	ID          string  `json:"id"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Attempts    int     `json:"attempts"`
	SuccessRate float64 `json:"success_rate"`
}

type learningInsightsResponse struct {
	TotalExperiences  int               `json:"total_experiences"`
	TotalKnowledge    int               `json:"total_knowledge"`
	TotalStrategies   int               `json:"total_strategies"`
	ByCategory        map[string]int    `json:"experiences_by_category"`
	TopStrategies     []strategyInsight `json:"top_strategies"`
	RecentSuccessRate float64           `json:"recent_success_rate"`
}

func (s *Server) handleLearningInsights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := learningInsightsResponse{
		ByCategory:    map[string]int{},
		TopStrategies: []strategyInsight{},
	}

	var err error
	if resp.TotalExperiences, err = s.store.Count(ctx, memory.CollectionExperiences); err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.TotalKnowledge, err = s.store.Count(ctx, memory.CollectionKnowledge); err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.TotalStrategies, err = s.store.Count(ctx, memory.CollectionStrategies); err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.ByCategory, err = s.store.CategoryCounts(ctx, memory.CollectionExperiences); err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.RecentSuccessRate, err = s.engine.RecentSuccessRate(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}

	recs, err := s.store.List(ctx, memory.CollectionStrategies, memory.ListOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, rec := range recs {
		strat, err := memory.DecodeStrategy(rec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if strat.Attempts == 0 {
			continue
		}
		resp.TopStrategies = append(resp.TopStrategies, strategyInsight{
			ID:          strat.ID,
			Category:    strat.Category,
			Description: strat.Description,
			Attempts:    strat.Attempts,
			SuccessRate: strat.SuccessRate(),
		})
	}
	sort.Slice(resp.TopStrategies, func(i, j int) bool {
		a, b := resp.TopStrategies[i], resp.TopStrategies[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.Attempts > b.Attempts
	})
	if len(resp.TopStrategies) > 5 {
		resp.TopStrategies = resp.TopStrategies[:5]
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(context.Background(), "failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.InvalidInput:
		status = http.StatusBadRequest
	case errors.ResourceNotFound:
		status = http.StatusNotFound
	case errors.InvalidTransition:
		status = http.StatusConflict
	case errors.TransientExternal, errors.Timeout:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  errors.Code(err).String(),
	})
}
