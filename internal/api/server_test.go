package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionsec/bastion/internal/bus"
	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/pipeline"
	"github.com/bastionsec/bastion/internal/policy"
	"github.com/bastionsec/bastion/internal/respond"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

type idleEvaluator struct{}

func (idleEvaluator) Evaluate(map[string]float64) (float64, error) { return 0.1, nil }

func newTestServer(t *testing.T) (*Server, *pipeline.Pipeline) {
	t.Helper()
	m := metrics.NewForTest()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	corro := score.NewCorroborationIndex(time.Minute)
	scorer := score.New(idleEvaluator{}, corro, m, logger)
	budget := policy.NewBudget(100, m, logger)
	posture := policy.NewPostureManager(policy.PostureStandard, logger)
	orch := respond.New(16, 1, 0, time.Millisecond, nil, m, logger)
	engine := policy.NewEngine(policy.DefaultRules(), budget, nil, []string{"observe", "contain"},
		0.4, posture, orch, m, logger)
	closed := store.NewMemoryStore(100, 1000)

	pipe := pipeline.New(30*time.Second, scorer, engine, closed, m, logger)
	signalBus := bus.New(16, 1, pipe, nil, m, logger)

	return New("node-test", posture, pipe, engine, budget, orch, signalBus, closed, nil, logger), pipe
}

func ingestSignal(pipe *pipeline.Pipeline, id, entity string) {
	pipe.OnSignal(&model.Signal{
		ID:           id,
		SourceEntity: entity,
		Kind:         "port_scan",
		Timestamp:    time.Now().UTC(),
		Confidence:   0.5,
	})
}

func TestStatusEndpoint(t *testing.T) {
	srv, pipe := newTestServer(t)
	ingestSignal(pipe, "s1", "host-a")

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "node-test", status.NodeID)
	assert.Equal(t, "standard", status.Posture)
	assert.Equal(t, 1, status.OpenIncidents)
	assert.Equal(t, int64(100), status.BudgetRemaining)
	assert.Nil(t, status.Federation, "federation section absent when disabled")
}

func TestIncidentsEndpoint(t *testing.T) {
	srv, pipe := newTestServer(t)
	ingestSignal(pipe, "s1", "host-a")
	ingestSignal(pipe, "s2", "host-b")

	req := httptest.NewRequest("GET", "/incidents", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp struct {
		Open []model.IncidentSummary `json:"open"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Open, 2)
}

func TestIncidentEndpoint(t *testing.T) {
	srv, pipe := newTestServer(t)
	ingestSignal(pipe, "s1", "host-a")

	t.Run("open incident", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/incidents/1", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, 200, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "open", resp["state"])
	})

	t.Run("unknown incident", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/incidents/99", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, 404, rec.Code)
	})

	t.Run("closed incident", func(t *testing.T) {
		pipe.Correlator().Close(1, "test")

		req := httptest.NewRequest("GET", "/incidents/1", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, 200, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "closed", resp["state"])
	})

	t.Run("malformed id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/incidents/not-a-number", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, 400, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, 200, rec.Code, path)
	}
}
