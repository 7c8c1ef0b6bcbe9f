// Package learning keeps per-agent calibration memory: predictions logged
// with a confidence, verified later against actual values, and distilled into
// confidence adjustment hints and avoid rules.
package learning

import (
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// ErrUnknownPrediction is returned when verifying an id that was never logged.
var ErrUnknownPrediction = errors.New("learning: unknown prediction")

// MaxRulesPerAgent caps the avoid-rule memory per agent, most recent kept.
const MaxRulesPerAgent = 50

// Prediction is one logged forecast, optionally verified.
type Prediction struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Type       string         `json:"type"`
	Predicted  any            `json:"predicted"`
	Confidence float64        `json:"confidence"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	Actual     any       `json:"actual,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
	Verified   bool      `json:"verified"`
	Correct    bool      `json:"correct"`
	Margin     float64   `json:"margin,omitempty"`
}

// Rule is a learned avoid hint derived from a failed prediction's context.
type Rule struct {
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

// AgentStats summarizes one agent's calibration.
type AgentStats struct {
	AgentID       string  `json:"agent_id"`
	Total         int     `json:"total"`
	VerifiedCount int     `json:"verified"`
	Correct       int     `json:"correct"`
	Accuracy      float64 `json:"accuracy"`
	AvgConfidence float64 `json:"avg_confidence"`
	Rules         int     `json:"rules"`
}

// EventHook observes learning telemetry events.
type EventHook func(event types.SwarmEvent)

// Store holds predictions and learned rules for one run.
type Store struct {
	mu          sync.Mutex
	log         *logger.Logger
	predictions map[string]*Prediction
	byAgent     map[string][]string // insertion order
	rules       map[string][]Rule
	hook        EventHook
}

// Options configures a Store.
type Options struct {
	Logger *logger.Logger
}

// NewStore creates an empty learning store.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Store{
		log:         opts.Logger.WithFields(zap.String("component", "learning")),
		predictions: make(map[string]*Prediction),
		byAgent:     make(map[string][]string),
		rules:       make(map[string][]Rule),
	}
}

// SetEventHook installs a telemetry observer.
func (s *Store) SetEventHook(hook EventHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *Store) emit(event types.SwarmEvent) {
	if s.hook != nil {
		event.Timestamp = time.Now().UTC()
		go s.hook(event)
	}
}

// LogPrediction records a forecast and returns its id. Confidence is clamped
// to [0,1].
func (s *Store) LogPrediction(agentID, predType string, predicted any, confidence float64, context map[string]any) string {
	confidence = math.Max(0, math.Min(1, confidence))
	p := &Prediction{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Type:       predType,
		Predicted:  predicted,
		Confidence: confidence,
		Context:    context,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.predictions[p.ID] = p
	s.byAgent[agentID] = append(s.byAgent[agentID], p.ID)
	s.mu.Unlock()

	s.emit(types.SwarmEvent{
		Kind:        types.EventPredictionLogged,
		SourceAgent: agentID,
		Subject:     predType,
		Data:        map[string]any{"prediction_id": p.ID, "confidence": confidence},
	})
	return p.ID
}

// VerifyPrediction scores a logged prediction against the actual value.
// A wrong prediction with non-empty context records an avoid rule.
func (s *Store) VerifyPrediction(predictionID string, actual any) (bool, error) {
	s.mu.Lock()
	p, ok := s.predictions[predictionID]
	if !ok {
		s.mu.Unlock()
		return false, ErrUnknownPrediction
	}
	correct, margin := judge(p.Predicted, actual)
	p.Actual = actual
	p.Verified = true
	p.Correct = correct
	p.Margin = margin
	p.VerifiedAt = time.Now().UTC()

	if !correct && len(p.Context) > 0 {
		rules := append(s.rules[p.AgentID], Rule{
			AgentID:   p.AgentID,
			Type:      p.Type,
			Context:   p.Context,
			CreatedAt: p.VerifiedAt,
		})
		if len(rules) > MaxRulesPerAgent {
			rules = rules[len(rules)-MaxRulesPerAgent:]
		}
		s.rules[p.AgentID] = rules
	}
	agentID, predType := p.AgentID, p.Type
	s.mu.Unlock()

	s.emit(types.SwarmEvent{
		Kind:        types.EventPredictionVerified,
		SourceAgent: agentID,
		Subject:     predType,
		Data:        map[string]any{"prediction_id": predictionID, "correct": correct},
	})
	return correct, nil
}

// judge applies the type-specific correctness rules: numeric values within
// max(20% of predicted, 5); booleans by equality; strings case-insensitive;
// lists by ≥50% overlap of the union; anything else by equality.
func judge(predicted, actual any) (bool, float64) {
	if pn, ok := asFloat(predicted); ok {
		if an, ok := asFloat(actual); ok {
			margin := math.Max(math.Abs(pn)*0.2, 5)
			return math.Abs(pn-an) <= margin, math.Abs(pn - an)
		}
		return false, 0
	}
	if pb, ok := predicted.(bool); ok {
		ab, ok := actual.(bool)
		return ok && pb == ab, 0
	}
	if ps, ok := predicted.(string); ok {
		as, ok := actual.(string)
		return ok && strings.EqualFold(ps, as), 0
	}
	if pl, ok := asList(predicted); ok {
		if al, ok := asList(actual); ok {
			return listOverlap(pl, al) >= 0.5, 0
		}
		return false, 0
	}
	return predicted == actual, 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asList(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// listOverlap returns |A∩B| / |A∪B| over case-insensitive string sets.
func listOverlap(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[strings.ToLower(s)] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[strings.ToLower(s)] = struct{}{}
	}
	union := len(setA)
	shared := 0
	for s := range setB {
		if _, ok := setA[s]; ok {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

// ShouldAdjustConfidence reports whether an agent's confidence for a
// prediction type needs scaling, and by how much. Type-specific history wins
// when at least 5 verified predictions of that type exist; otherwise a large
// overall calibration gap with at least 10 verified predictions triggers a
// modest over-confidence correction.
func (s *Store) ShouldAdjustConfidence(agentID, predType string) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typedVerified, typedCorrect := 0, 0
	allVerified, allCorrect := 0, 0
	confidenceSum := 0.0
	for _, id := range s.byAgent[agentID] {
		p := s.predictions[id]
		if !p.Verified {
			continue
		}
		allVerified++
		confidenceSum += p.Confidence
		if p.Correct {
			allCorrect++
		}
		if p.Type == predType {
			typedVerified++
			if p.Correct {
				typedCorrect++
			}
		}
	}

	if typedVerified >= 5 {
		accuracy := float64(typedCorrect) / float64(typedVerified)
		if accuracy < 0.5 {
			return true, 0.7
		}
		if accuracy > 0.9 {
			return true, 1.1
		}
	}
	if allVerified >= 10 {
		accuracy := float64(allCorrect) / float64(allVerified)
		avgConfidence := confidenceSum / float64(allVerified)
		if math.Abs(accuracy-avgConfidence) > 0.2 && avgConfidence > accuracy {
			return true, 0.85
		}
	}
	return false, 1.0
}

// GetAgentStats summarizes one agent's calibration history.
func (s *Store) GetAgentStats(agentID string) AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentStatsLocked(agentID)
}

func (s *Store) agentStatsLocked(agentID string) AgentStats {
	stats := AgentStats{AgentID: agentID, Rules: len(s.rules[agentID])}
	confidenceSum := 0.0
	for _, id := range s.byAgent[agentID] {
		p := s.predictions[id]
		stats.Total++
		if !p.Verified {
			continue
		}
		stats.VerifiedCount++
		confidenceSum += p.Confidence
		if p.Correct {
			stats.Correct++
		}
	}
	if stats.VerifiedCount > 0 {
		stats.Accuracy = float64(stats.Correct) / float64(stats.VerifiedCount)
		stats.AvgConfidence = confidenceSum / float64(stats.VerifiedCount)
	}
	return stats
}

// GetLearnedRules returns an agent's avoid rules, oldest first.
func (s *Store) GetLearnedRules(agentID string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules[agentID]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// GetAllStats summarizes every agent seen by the store.
func (s *Store) GetAllStats() map[string]AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentStats, len(s.byAgent))
	for agentID := range s.byAgent {
		out[agentID] = s.agentStatsLocked(agentID)
	}
	return out
}

// GetPrediction returns a logged prediction by id.
func (s *Store) GetPrediction(predictionID string) (*Prediction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[predictionID]
	if !ok {
		return nil, false
	}
	snapshot := *p
	return &snapshot, true
}

// Reset drops all predictions and rules.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = make(map[string]*Prediction)
	s.byAgent = make(map[string][]string)
	s.rules = make(map[string][]Rule)
}
