package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
)

// Dispatcher is the response orchestrator surface the engine needs: a
// bounded queue plus its saturation signal. A saturated queue makes the
// engine prefer Alert over costlier actions.
type Dispatcher interface {
	Enqueue(action *model.ResponseAction) error
	Saturated() bool
}

// defaultActionCosts is the built-in budget cost ladder, overridable from
// configuration. Alert and NoAction are free so a human-visible signal is
// always affordable.
var defaultActionCosts = map[model.ActionKind]int64{
	model.ActionNoAction: 0,
	model.ActionAlert:    0,
	model.ActionDeceive:  2,
	model.ActionIsolate:  3,
	model.ActionBlock:    5,
}

// Decision is the engine's record of what it chose for an incident and why.
type Decision struct {
	Action *model.ResponseAction `json:"action"`
	RuleID string                `json:"rule_id"`
	At     time.Time             `json:"at"`
}

type incidentState struct {
	phase    model.IncidentState
	decision *Decision
	outcome  *model.Outcome
}

// Engine drives the per-incident state machine
// Open -> Evaluated -> Actioned -> Closed and selects proportional actions.
// Selection is deterministic: the same score, budget state, and jurisdiction
// configuration always yield the same action.
type Engine struct {
	rules       *RuleSet
	budget      *Budget
	costs       map[model.ActionKind]int64
	enabledTags map[string]bool
	alertFloor  float64
	posture     *PostureManager
	dispatcher  Dispatcher
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu     sync.Mutex
	states map[uint64]*incidentState
}

// NewEngine assembles a policy engine. costOverrides may be nil.
func NewEngine(rules *RuleSet, budget *Budget, costOverrides map[string]int, enabledTags []string,
	alertFloor float64, posture *PostureManager, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Engine {

	costs := make(map[model.ActionKind]int64, len(defaultActionCosts))
	for kind, cost := range defaultActionCosts {
		costs[kind] = cost
	}
	for name, cost := range costOverrides {
		if kind, err := model.ParseActionKind(name); err == nil {
			costs[kind] = int64(cost)
		} else {
			logger.Warn("Ignoring cost override for unknown action", "action", name)
		}
	}

	tags := make(map[string]bool, len(enabledTags))
	for _, t := range enabledTags {
		tags[t] = true
	}

	return &Engine{
		rules:       rules,
		budget:      budget,
		costs:       costs,
		enabledTags: tags,
		alertFloor:  alertFloor,
		posture:     posture,
		dispatcher:  dispatcher,
		metrics:     m,
		logger:      logger,
		states:      make(map[uint64]*incidentState),
	}
}

// OnScore evaluates a fresh threat score for an incident and dispatches the
// chosen action. Returns the decision; the decision kind is NoAction when
// nothing was dispatched.
func (e *Engine) OnScore(summary model.IncidentSummary, ts model.ThreatScore) *Decision {
	action := e.decide(summary, ts)
	decision := &Decision{
		Action: action,
		RuleID: action.Justification.RuleID,
		At:     time.Now().UTC(),
	}

	e.mu.Lock()
	st, ok := e.states[summary.ID]
	if !ok {
		st = &incidentState{phase: model.IncidentOpen}
		e.states[summary.ID] = st
	}
	if st.phase == model.IncidentOpen {
		st.phase = model.IncidentEvaluated
	}
	st.decision = decision
	e.mu.Unlock()

	if action.Kind == model.ActionNoAction {
		return decision
	}

	if err := e.dispatcher.Enqueue(action); err != nil {
		// The queue rejected even this action; the decision record still
		// stands so the incident is never silently unhandled.
		e.logger.Error("Failed to enqueue response action",
			"incident_id", summary.ID,
			"action", action.Kind.String(),
			"error", err)
		return decision
	}

	e.metrics.ActionsDispatched.WithLabelValues(action.Kind.String()).Inc()
	e.posture.RecordThreat()
	e.logger.Info("Response action dispatched",
		"incident_id", summary.ID,
		"action_id", action.ID,
		"action", action.Kind.String(),
		"rule_id", action.Justification.RuleID,
		"score", ts.Value)
	return decision
}

// decide selects the proportional action for a score. Every step that bends
// the choice away from the matched rule is recorded in the justification.
func (e *Engine) decide(summary model.IncidentSummary, ts model.ThreatScore) *model.ResponseAction {
	var reasons []string

	rule, ok := e.rules.Select(ts.Value)
	if !ok {
		// Validation guarantees coverage; treat a miss as a fault and fall
		// back to a bare alert so the incident stays human-visible.
		reasons = append(reasons, "no policy rule matched; defaulting to alert")
		return e.buildAction(summary, ts, model.PolicyRule{ID: "fallback"}, model.ActionAlert, reasons)
	}

	chosen := e.leastCostlyAllowed(rule)

	floor := AlertFloorFor(e.alertFloor, e.posture.Current())
	if chosen == model.ActionNoAction && ts.Value >= floor {
		chosen = model.ActionAlert
		reasons = append(reasons, fmt.Sprintf("score %.2f above alert floor %.2f", ts.Value, floor))
	}

	// Jurisdiction constraint: a disabled legal tag downgrades along the
	// ladder, never escalates. Alert and NoAction carry no tag.
	if rule.LegalConstraintTag != "" && !e.enabledTags[rule.LegalConstraintTag] && chosen > model.ActionAlert {
		reasons = append(reasons, fmt.Sprintf("legal tag %q not enabled; downgraded from %s",
			rule.LegalConstraintTag, chosen.String()))
		chosen = model.ActionAlert
	}

	// Dispatch backpressure: a saturated queue prefers Alert over costlier
	// actions so the hot path never stalls on slow handlers.
	if chosen > model.ActionAlert && e.dispatcher.Saturated() {
		reasons = append(reasons, "dispatch queue saturated; downgraded to alert")
		chosen = model.ActionAlert
	}

	// Spend the budget. The chosen action is already the cheapest the rule
	// permits, so an empty balance leaves only the free kinds.
	if chosen > model.ActionAlert && !e.budget.TrySpend(e.costOf(chosen, rule)) {
		e.posture.RecordExhaustion()
		if ts.Value >= floor {
			reasons = append(reasons, "budget exhausted; alert only")
			chosen = model.ActionAlert
		} else {
			reasons = append(reasons, "budget exhausted below alert floor")
			chosen = model.ActionNoAction
		}
	}

	return e.buildAction(summary, ts, rule, chosen, reasons)
}

// leastCostlyAllowed returns the cheapest action the rule permits, ties
// resolved toward the lower ladder position. Proportionality: the rule's
// allowed set states how far the response may go, the engine goes no
// further than the severity demands.
func (e *Engine) leastCostlyAllowed(rule model.PolicyRule) model.ActionKind {
	chosen := model.ActionNoAction
	found := false
	for _, kind := range rule.AllowedActions {
		if !found || e.costOf(kind, rule) < e.costOf(chosen, rule) ||
			(e.costOf(kind, rule) == e.costOf(chosen, rule) && kind < chosen) {
			chosen = kind
			found = true
		}
	}
	return chosen
}

func (e *Engine) costOf(kind model.ActionKind, rule model.PolicyRule) int64 {
	multiplier := int64(rule.ResourceCost)
	if multiplier < 1 {
		multiplier = 1
	}
	return e.costs[kind] * multiplier
}

func (e *Engine) buildAction(summary model.IncidentSummary, ts model.ThreatScore, rule model.PolicyRule,
	kind model.ActionKind, reasons []string) *model.ResponseAction {

	action := &model.ResponseAction{
		ID:         uuid.NewString(),
		IncidentID: summary.ID,
		Kind:       kind,
		Justification: model.Justification{
			ScoreValue:    ts.Value,
			ScoreComputed: ts.ComputedAt,
			RuleID:        rule.ID,
			Reasons:       reasons,
		},
		CreatedAt: time.Now().UTC(),
	}

	if kind > model.ActionAlert && len(summary.Entities) > 0 {
		// Entities are sorted in the summary; the first is the stable,
		// deterministic target.
		action.TargetEntity = summary.Entities[0]
	}
	switch kind {
	case model.ActionIsolate:
		action.Duration = 15 * time.Minute
	case model.ActionDeceive:
		action.ProfileID = "decoy-default"
	case model.ActionBlock:
		action.Scope = "ingress"
	}
	return action
}

// IsTerminal reports whether an action kind ends the incident's lifecycle.
func IsTerminal(kind model.ActionKind) bool {
	return kind == model.ActionIsolate || kind == model.ActionBlock
}

// RecordOutcome transitions the incident to Actioned once its dispatch
// finished, successfully or not. An unresponsive handler never blocks the
// state machine.
func (e *Engine) RecordOutcome(incidentID uint64, outcome model.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[incidentID]
	if !ok {
		return
	}
	st.phase = model.IncidentActioned
	st.outcome = &outcome
}

// MarkClosed finalizes and removes the incident's policy state, returning
// the last decision and outcome for the closed record.
func (e *Engine) MarkClosed(incidentID uint64) (*Decision, *model.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[incidentID]
	if !ok {
		return nil, nil
	}
	delete(e.states, incidentID)
	return st.decision, st.outcome
}

// Discard drops the policy state of an incident absorbed by a merge. The
// surviving incident carries its own state forward.
func (e *Engine) Discard(incidentID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, incidentID)
}

// EmergencyAlert converts an internal fault in the evaluation path into a
// NoAction decision with a dispatched alert, so a broken stage degrades to
// "tell a human" instead of going silent.
func (e *Engine) EmergencyAlert(incidentID uint64, reason string) *Decision {
	action := &model.ResponseAction{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Kind:       model.ActionAlert,
		Justification: model.Justification{
			RuleID:  "fault",
			Reasons: []string{reason},
		},
		CreatedAt: time.Now().UTC(),
	}
	decision := &Decision{Action: action, RuleID: "fault", At: time.Now().UTC()}

	e.mu.Lock()
	st, ok := e.states[incidentID]
	if !ok {
		st = &incidentState{phase: model.IncidentOpen}
		e.states[incidentID] = st
	}
	if st.phase == model.IncidentOpen {
		st.phase = model.IncidentEvaluated
	}
	st.decision = decision
	e.mu.Unlock()

	if err := e.dispatcher.Enqueue(action); err != nil {
		e.logger.Error("Failed to enqueue fault alert",
			"incident_id", incidentID,
			"error", err)
		return decision
	}
	e.metrics.ActionsDispatched.WithLabelValues(action.Kind.String()).Inc()
	return decision
}

// DecisionFor returns the engine's latest decision for an incident.
func (e *Engine) DecisionFor(incidentID uint64) (*Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[incidentID]
	if !ok || st.decision == nil {
		return nil, false
	}
	return st.decision, true
}
