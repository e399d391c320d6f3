// Package score computes normalized [0,1] threat scores for incidents. The
// actual anomaly model is an injected capability; the scorer only assembles
// features and normalizes results.
package score

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
)

// Evaluator is the pluggable scoring capability. Implementations map a
// feature vector to a severity in [0,1]. Errors and non-finite results are
// handled by the scorer, never propagated as pipeline crashes.
type Evaluator interface {
	Evaluate(features map[string]float64) (float64, error)
}

type cachedScore struct {
	incidentVersion uint64
	corroVersion    uint64
	score           model.ThreatScore
}

// Scorer assembles features from incident state and delegates to the
// evaluator. Scores are cached per incident and invalidated whenever the
// member set or the peer corroboration index changes.
type Scorer struct {
	evaluator Evaluator
	corro     *CorroborationIndex
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[uint64]cachedScore
}

// New creates a scorer around the given evaluator capability.
func New(evaluator Evaluator, corro *CorroborationIndex, m *metrics.Metrics, logger *slog.Logger) *Scorer {
	return &Scorer{
		evaluator: evaluator,
		corro:     corro,
		metrics:   m,
		logger:    logger,
		cache:     make(map[uint64]cachedScore),
	}
}

// Score computes the threat score for an open incident. The caller must hold
// the incident's lock (use Correlator.WithIncident); closed incidents are
// never scored and return ok=false.
func (s *Scorer) Score(inc *model.Incident) (model.ThreatScore, bool) {
	if inc.State == model.IncidentClosed {
		return model.ThreatScore{}, false
	}

	corroVersion := s.corro.Version()

	s.mu.Lock()
	if cached, ok := s.cache[inc.ID]; ok &&
		cached.incidentVersion == inc.Version &&
		cached.corroVersion == corroVersion {
		s.mu.Unlock()
		return cached.score, true
	}
	s.mu.Unlock()

	features := s.Features(inc)
	value, err := s.evaluator.Evaluate(features)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		// ScoringUnavailable: score 0, fault recorded, incident progresses.
		s.metrics.ScoringUnavailable.Inc()
		s.logger.Error("Scoring capability unavailable",
			"incident_id", inc.ID,
			"error", err)
		value = 0
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}

	ts := model.ThreatScore{
		IncidentID: inc.ID,
		Value:      value,
		Factors:    factorsFrom(features),
		ComputedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.cache[inc.ID] = cachedScore{
		incidentVersion: inc.Version,
		corroVersion:    corroVersion,
		score:           ts,
	}
	s.mu.Unlock()

	s.metrics.ScoresComputed.Inc()
	return ts, true
}

// Forget drops the cached score for a closed or merged-away incident.
func (s *Scorer) Forget(incidentID uint64) {
	s.mu.Lock()
	delete(s.cache, incidentID)
	s.mu.Unlock()
}

// Features assembles the deterministic feature vector for an incident.
func (s *Scorer) Features(inc *model.Incident) map[string]float64 {
	kinds := make(map[string]struct{})
	var confSum, confMax float64
	for _, sig := range inc.Signals {
		kinds[sig.Kind] = struct{}{}
		confSum += sig.Confidence
		if sig.Confidence > confMax {
			confMax = sig.Confidence
		}
	}
	count := float64(len(inc.Signals))

	duration := inc.LastSeen.Sub(inc.FirstSeen).Seconds()
	burst := count
	if duration > 1 {
		burst = count / duration
	}

	corroboration := 0.0
	if s.corro != nil {
		matches := 0
		for entity := range inc.Entities {
			matches += s.corro.Matches(model.EntityDigest(entity))
		}
		corroboration = math.Min(float64(matches), 5) / 5
	}

	return map[string]float64{
		"signal_count":       count,
		"mean_confidence":    confSum / count,
		"max_confidence":     confMax,
		"distinct_kinds":     float64(len(kinds)),
		"entity_count":       float64(len(inc.Entities)),
		"duration_seconds":   duration,
		"burst_rate":         burst,
		"peer_corroboration": corroboration,
	}
}

// factorsFrom turns the feature vector into the ordered contributing-factor
// record carried on the score.
func factorsFrom(features map[string]float64) []model.Factor {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	factors := make([]model.Factor, 0, len(names))
	for _, name := range names {
		factors = append(factors, model.Factor{
			Name:   name,
			Weight: defaultWeights[name],
			Value:  features[name],
		})
	}
	return factors
}
