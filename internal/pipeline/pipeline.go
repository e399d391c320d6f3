// Package pipeline wires the correlator, scorer, policy engine, and closed
// store into the per-signal evaluation path.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bastionsec/bastion/internal/bus"
	"github.com/bastionsec/bastion/internal/correlate"
	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/policy"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

var _ bus.Consumer = (*Pipeline)(nil)

// Pipeline is the bus consumer that drives the full evaluation chain:
// correlate, score, decide, dispatch, and finally record the closed
// incident. It owns the correlator so the lifecycle callbacks land here.
type Pipeline struct {
	correlator  *correlate.Correlator
	scorer      *score.Scorer
	engine      *policy.Engine
	closedStore *store.MemoryStore
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu         sync.Mutex
	lastScores map[uint64]*model.ThreatScore
}

// New assembles the pipeline and its correlator. The returned pipeline is
// registered on the bus as a consumer; the orchestrator's outcome callback
// must be pointed at OnOutcome before dispatching starts.
func New(window time.Duration, scorer *score.Scorer, engine *policy.Engine,
	closedStore *store.MemoryStore, m *metrics.Metrics, logger *slog.Logger) *Pipeline {

	p := &Pipeline{
		scorer:      scorer,
		engine:      engine,
		closedStore: closedStore,
		metrics:     m,
		logger:      logger,
		lastScores:  make(map[uint64]*model.ThreatScore),
	}
	p.correlator = correlate.New(window, p.onIncidentUpdated, p.onIncidentClosed, m, logger)
	p.correlator.OnAbsorbed(p.onAbsorbed)
	return p
}

// Correlator exposes the pipeline's correlator for lifecycle control and
// the read-only API surface.
func (p *Pipeline) Correlator() *correlate.Correlator {
	return p.correlator
}

// OnSignal implements bus.Consumer. The correlator invokes the evaluation
// callbacks inline, so by the time this returns the signal's effect on the
// incident set and any resulting action are fully applied.
func (p *Pipeline) OnSignal(sig *model.Signal) {
	start := time.Now()
	p.correlator.OnSignal(sig)
	p.metrics.SignalLatency.Observe(time.Since(start).Seconds())
}

// onIncidentUpdated scores the incident and hands the score to the policy
// engine. Any panic out of the scoring or decision path degrades to an
// alert instead of taking down the shard worker.
func (p *Pipeline) onIncidentUpdated(incidentID uint64) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Evaluation stage fault",
				"incident_id", incidentID,
				"panic", r)
			p.engine.EmergencyAlert(incidentID, "internal evaluation fault")
		}
	}()

	var (
		summary model.IncidentSummary
		ts      model.ThreatScore
		scored  bool
	)
	ok := p.correlator.WithIncident(incidentID, func(inc *model.Incident) {
		summary = inc.Summary()
		ts, scored = p.scorer.Score(inc)
	})
	if !ok || !scored {
		return
	}

	p.mu.Lock()
	snapshot := ts
	p.lastScores[summary.ID] = &snapshot
	p.mu.Unlock()

	p.engine.OnScore(summary, ts)
}

// OnOutcome is the orchestrator's completion callback. Terminal actions
// close the incident once their dispatch finished; a failed terminal
// dispatch leaves the incident open for the idle closer.
func (p *Pipeline) OnOutcome(action *model.ResponseAction, outcome model.Outcome) {
	p.engine.RecordOutcome(action.IncidentID, outcome)

	if policy.IsTerminal(action.Kind) && outcome.Status != model.OutcomeFailed {
		p.correlator.Close(action.IncidentID, "terminal action applied")
	}
}

// onIncidentClosed assembles the frozen record for a closed incident and
// releases all per-incident state downstream of the correlator.
func (p *Pipeline) onIncidentClosed(summary model.IncidentSummary) {
	decision, outcome := p.engine.MarkClosed(summary.ID)

	p.mu.Lock()
	lastScore := p.lastScores[summary.ID]
	delete(p.lastScores, summary.ID)
	p.mu.Unlock()
	p.scorer.Forget(summary.ID)

	rec := &store.ClosedRecord{
		Summary:  summary,
		Score:    lastScore,
		Outcome:  outcome,
		ClosedAt: time.Now().UTC(),
	}
	if decision != nil {
		rec.Action = decision.Action
	}
	p.closedStore.Add(rec)
}

// onAbsorbed releases state held for a merge loser; the survivor carries
// the incident forward under its own id.
func (p *Pipeline) onAbsorbed(loserID, survivorID uint64) {
	p.scorer.Forget(loserID)
	p.engine.Discard(loserID)

	p.mu.Lock()
	delete(p.lastScores, loserID)
	p.mu.Unlock()
}
