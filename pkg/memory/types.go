package memory

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mnemoslab/mnemos/pkg/errors"
)

// Collection names. One durable collection per entity type; each record
// is addressable by id and by similarity query.
const (
	CollectionExperiences = "experiences"
	CollectionKnowledge   = "knowledge"
	CollectionStrategies  = "strategies"
	CollectionGoals       = "goals"
)

// Record is the storage envelope shared by all collections. Text is the
// content that gets embedded; Meta carries exact-match metadata usable
// as query filters; Payload is the JSON-encoded typed entity.
type Record struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Text      string            `json:"text"`
	Meta      map[string]string `json:"meta,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Embedding []float32         `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Result is a query hit: the stored record plus its similarity to the
// query, in [0,1] for cosine similarity over normalized vectors.
type Result struct {
	Record
	Similarity float32 `json:"similarity"`
}

// Experience is the immutable record of one completed solve attempt and
// its outcome. Experiences are append-only and never mutated.
type Experience struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Problem    string    `json:"problem"`
	StrategyID string    `json:"strategy_id"`
	Success    bool      `json:"success"`
	Score      float64   `json:"score"`
	Notes      string    `json:"notes,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// KnowledgeItem is a distilled fact, concept or failure pattern. Items
// may be superseded by newer ones but are never hard-deleted.
type KnowledgeItem struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Concept    string    `json:"concept,omitempty"`
	Content    string    `json:"content"`
	Source     string    `json:"source"` // experience id, strategy id, or "seeded"
	Supersedes string    `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Strategy is a named solving approach for a category with tracked
// historical performance. Counter fields are mutated only through the
// reflection engine's atomic commits.
type Strategy struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	LastUsed    time.Time `json:"last_used"`
	CreatedAt   time.Time `json:"created_at"`
}

// SuccessRate is recomputed from the counters, never stored.
func (s *Strategy) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// GoalStatus enumerates goal lifecycle states.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalAbandoned
}

// GoalMetric enumerates how goal progress is measured.
type GoalMetric string

const (
	MetricCumulativeSuccesses GoalMetric = "cumulative_successes"
	MetricSuccessRate         GoalMetric = "success_rate"
)

// Goal is an autonomous learning objective with a completion threshold.
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Metric      GoalMetric `json:"metric"`
	Threshold   float64    `json:"threshold"`
	Progress    float64    `json:"progress"`
	Status      GoalStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EncodeExperience wraps an experience in its storage envelope.
func EncodeExperience(exp *Experience) (Record, error) {
	payload, err := json.Marshal(exp)
	if err != nil {
		return Record{}, errors.Wrap(err, errors.InvalidInput, "failed to encode experience")
	}
	return Record{
		ID:       exp.ID,
		Category: exp.Category,
		Text:     exp.Problem,
		Meta: map[string]string{
			"strategy_id": exp.StrategyID,
			"success":     strconv.FormatBool(exp.Success),
			"signature":   exp.Signature,
		},
		Payload:   payload,
		CreatedAt: exp.CreatedAt,
		UpdatedAt: exp.CreatedAt,
	}, nil
}

// DecodeExperience unwraps a stored experience.
func DecodeExperience(rec Record) (*Experience, error) {
	var exp Experience
	if err := json.Unmarshal(rec.Payload, &exp); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to decode experience"),
			errors.Fields{"id": rec.ID},
		)
	}
	return &exp, nil
}

// EncodeKnowledge wraps a knowledge item in its storage envelope.
func EncodeKnowledge(item *KnowledgeItem) (Record, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return Record{}, errors.Wrap(err, errors.InvalidInput, "failed to encode knowledge item")
	}
	return Record{
		ID:       item.ID,
		Category: item.Category,
		Text:     item.Content,
		Meta: map[string]string{
			"source":  item.Source,
			"concept": item.Concept,
		},
		Payload:   payload,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.CreatedAt,
	}, nil
}

// DecodeKnowledge unwraps a stored knowledge item.
func DecodeKnowledge(rec Record) (*KnowledgeItem, error) {
	var item KnowledgeItem
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to decode knowledge item"),
			errors.Fields{"id": rec.ID},
		)
	}
	return &item, nil
}

// EncodeStrategy wraps a strategy in its storage envelope.
func EncodeStrategy(strat *Strategy) (Record, error) {
	payload, err := json.Marshal(strat)
	if err != nil {
		return Record{}, errors.Wrap(err, errors.InvalidInput, "failed to encode strategy")
	}
	text := strat.Description
	if text == "" {
		text = strat.ID
	}
	return Record{
		ID:        strat.ID,
		Category:  strat.Category,
		Text:      text,
		Payload:   payload,
		CreatedAt: strat.CreatedAt,
		UpdatedAt: strat.LastUsed,
	}, nil
}

// DecodeStrategy unwraps a stored strategy.
func DecodeStrategy(rec Record) (*Strategy, error) {
	var strat Strategy
	if err := json.Unmarshal(rec.Payload, &strat); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to decode strategy"),
			errors.Fields{"id": rec.ID},
		)
	}
	return &strat, nil
}

// EncodeGoal wraps a goal in its storage envelope.
func EncodeGoal(goal *Goal) (Record, error) {
	payload, err := json.Marshal(goal)
	if err != nil {
		return Record{}, errors.Wrap(err, errors.InvalidInput, "failed to encode goal")
	}
	return Record{
		ID:       goal.ID,
		Category: goal.Category,
		Text:     goal.Description,
		Meta: map[string]string{
			"status": string(goal.Status),
		},
		Payload:   payload,
		CreatedAt: goal.CreatedAt,
		UpdatedAt: goal.UpdatedAt,
	}, nil
}

// DecodeGoal unwraps a stored goal.
func DecodeGoal(rec Record) (*Goal, error) {
	var goal Goal
	if err := json.Unmarshal(rec.Payload, &goal); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to decode goal"),
			errors.Fields{"id": rec.ID},
		)
	}
	return &goal, nil
}
