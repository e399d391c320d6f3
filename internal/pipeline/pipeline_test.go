package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/policy"
	"github.com/bastionsec/bastion/internal/respond"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedEvaluator struct {
	value float64
	panic bool
}

func (e *fixedEvaluator) Evaluate(map[string]float64) (float64, error) {
	if e.panic {
		panic("evaluator blew up")
	}
	return e.value, nil
}

type recordingHandler struct {
	outcome model.Outcome
}

func (h *recordingHandler) Apply(_ context.Context, _ *model.ResponseAction, _ string) model.Outcome {
	return h.outcome
}

type testRig struct {
	pipe   *Pipeline
	engine *policy.Engine
	orch   *respond.Orchestrator
	closed *store.MemoryStore
}

func newRig(t *testing.T, eval score.Evaluator, handlerOutcome model.Outcome) *testRig {
	t.Helper()
	m := metrics.NewForTest()
	logger := testLogger()

	corro := score.NewCorroborationIndex(time.Minute)
	scorer := score.New(eval, corro, m, logger)
	budget := policy.NewBudget(100, m, logger)
	posture := policy.NewPostureManager(policy.PostureStandard, logger)

	orch := respond.New(32, 1, 1, time.Millisecond, nil, m, logger)
	handler := &recordingHandler{outcome: handlerOutcome}
	for _, kind := range respond.DispatchableKinds() {
		orch.Register(kind, handler)
	}

	engine := policy.NewEngine(policy.DefaultRules(), budget, nil, []string{"observe", "contain"},
		0.4, posture, orch, m, logger)

	closed := store.NewMemoryStore(100, 1000)
	pipe := New(30*time.Second, scorer, engine, closed, m, logger)
	orch.SetOutcomeFunc(pipe.OnOutcome)
	orch.Start()
	t.Cleanup(orch.Stop)

	return &testRig{pipe: pipe, engine: engine, orch: orch, closed: closed}
}

func waitForClosed(t *testing.T, s *store.MemoryStore, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, s.Count(), n, "timed out waiting for closed incidents")
}

func testSignal(id string, conf float64) *model.Signal {
	return &model.Signal{
		ID:           id,
		SourceEntity: "host-a",
		Kind:         "beaconing",
		Timestamp:    time.Now().UTC(),
		Confidence:   conf,
	}
}

// A critical score drives the full chain: incident, score, isolate action,
// dispatch, terminal close, and a frozen record in the closed store.
func TestPipeline_CriticalSignalEndsInClosedRecord(t *testing.T) {
	rig := newRig(t, &fixedEvaluator{value: 0.95}, model.Outcome{Status: model.OutcomeSuccess})

	rig.pipe.OnSignal(testSignal("s1", 0.9))

	waitForClosed(t, rig.closed, 1)
	assert.Equal(t, 0, rig.pipe.Correlator().OpenCount())

	rec, ok := rig.closed.Get(1)
	require.True(t, ok)
	assert.Equal(t, model.IncidentClosed, rec.Summary.State)
	assert.Equal(t, []string{"s1"}, rec.Summary.SignalIDs)
	require.NotNil(t, rec.Score)
	assert.Equal(t, 0.95, rec.Score.Value)
	require.NotNil(t, rec.Action)
	assert.Equal(t, model.ActionIsolate, rec.Action.Kind)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, model.OutcomeSuccess, rec.Outcome.Status)
}

// A failed terminal dispatch still transitions the incident to Actioned but
// leaves closing to the idle timer.
func TestPipeline_FailedTerminalDispatchLeavesIncidentOpen(t *testing.T) {
	rig := newRig(t, &fixedEvaluator{value: 0.95}, model.Outcome{Status: model.OutcomeFailed, Reason: "agent offline"})

	rig.pipe.OnSignal(testSignal("s1", 0.9))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := rig.engine.DecisionFor(1); ok && d != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the outcome callback time to land, then confirm nothing closed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rig.pipe.Correlator().OpenCount())
	assert.Equal(t, uint64(0), rig.closed.Count())
}

func TestPipeline_LowScoreTakesNoAction(t *testing.T) {
	rig := newRig(t, &fixedEvaluator{value: 0.1}, model.Outcome{Status: model.OutcomeSuccess})

	rig.pipe.OnSignal(testSignal("s1", 0.3))

	assert.Equal(t, 1, rig.pipe.Correlator().OpenCount())
	decision, ok := rig.engine.DecisionFor(1)
	require.True(t, ok)
	assert.Equal(t, model.ActionNoAction, decision.Action.Kind)
	assert.Equal(t, uint64(0), rig.closed.Count())
}

// An evaluator panic must never take down the pipeline; it degrades to an
// alert for the affected incident.
func TestPipeline_EvaluatorPanicDegradesToAlert(t *testing.T) {
	rig := newRig(t, &fixedEvaluator{panic: true}, model.Outcome{Status: model.OutcomeSuccess})

	require.NotPanics(t, func() {
		rig.pipe.OnSignal(testSignal("s1", 0.9))
	})

	decision, ok := rig.engine.DecisionFor(1)
	require.True(t, ok)
	assert.Equal(t, model.ActionAlert, decision.Action.Kind)
	assert.Equal(t, "fault", decision.RuleID)
}

// Merging two incidents releases the loser's engine and score state; only
// the survivor closes into the store.
func TestPipeline_MergeReleasesLoserState(t *testing.T) {
	rig := newRig(t, &fixedEvaluator{value: 0.1}, model.Outcome{Status: model.OutcomeSuccess})
	base := time.Now().UTC()

	sigA := testSignal("s1", 0.5)
	sigA.Timestamp = base
	sigB := testSignal("s2", 0.5)
	sigB.SourceEntity = "host-b"
	sigB.Timestamp = base

	bridge := testSignal("s3", 0.5)
	bridge.Timestamp = base.Add(time.Second)
	bridge.Attributes = map[string]string{model.TargetEntityAttr: "host-b"}

	rig.pipe.OnSignal(sigA)
	rig.pipe.OnSignal(sigB)
	rig.pipe.OnSignal(bridge)

	assert.Equal(t, 1, rig.pipe.Correlator().OpenCount())
	_, ok := rig.engine.DecisionFor(2)
	assert.False(t, ok, "absorbed incident state must be discarded")
	_, ok = rig.engine.DecisionFor(1)
	assert.True(t, ok)
}
