// Package api exposes the daemon's read-only operational surface: node
// status, open and closed incidents, and Prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bastionsec/bastion/internal/bus"
	"github.com/bastionsec/bastion/internal/federation"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/pipeline"
	"github.com/bastionsec/bastion/internal/policy"
	"github.com/bastionsec/bastion/internal/respond"
	"github.com/bastionsec/bastion/internal/store"
)

// Server serves the HTTP API. All endpoints are read-only: the engine is
// autonomous and takes no commands over HTTP.
type Server struct {
	router      *mux.Router
	nodeID      string
	posture     *policy.PostureManager
	pipe        *pipeline.Pipeline
	engine      *policy.Engine
	budget      *policy.Budget
	orch        *respond.Orchestrator
	signalBus   *bus.Bus
	closedStore *store.MemoryStore
	fed         *federation.Coordinator // nil when federation is disabled
	logger      *slog.Logger
	startedAt   time.Time
}

// New assembles the API server. fed may be nil.
func New(nodeID string, posture *policy.PostureManager, pipe *pipeline.Pipeline, engine *policy.Engine,
	budget *policy.Budget, orch *respond.Orchestrator, signalBus *bus.Bus, closedStore *store.MemoryStore,
	fed *federation.Coordinator, logger *slog.Logger) *Server {

	s := &Server{
		router:      mux.NewRouter(),
		nodeID:      nodeID,
		posture:     posture,
		pipe:        pipe,
		engine:      engine,
		budget:      budget,
		orch:        orch,
		signalBus:   signalBus,
		closedStore: closedStore,
		fed:         fed,
		logger:      logger,
		startedAt:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/incidents", s.handleIncidents).Methods("GET")
	s.router.HandleFunc("/incidents/{incident_id}", s.handleIncident).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

type statusResponse struct {
	NodeID          string            `json:"node_id"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	Posture         string            `json:"posture"`
	OpenIncidents   int               `json:"open_incidents"`
	ClosedIncidents uint64            `json:"closed_incidents"`
	BusDepth        int               `json:"bus_depth"`
	DispatchQueue   int               `json:"dispatch_queue_depth"`
	BudgetRemaining int64             `json:"budget_remaining"`
	BudgetCapacity  int64             `json:"budget_capacity"`
	Federation      *federationStatus `json:"federation,omitempty"`
}

type federationStatus struct {
	Peers int            `json:"peers"`
	Trust map[string]int `json:"trust"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		NodeID:          s.nodeID,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		Posture:         s.posture.Current(),
		OpenIncidents:   s.pipe.Correlator().OpenCount(),
		ClosedIncidents: s.closedStore.Count(),
		BusDepth:        s.signalBus.Depth(),
		DispatchQueue:   s.orch.QueueDepth(),
		BudgetRemaining: s.budget.Remaining(),
		BudgetCapacity:  s.budget.Capacity(),
	}
	if s.fed != nil {
		resp.Federation = &federationStatus{
			Peers: s.fed.PeerCount(),
			Trust: s.fed.Trust(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type incidentsResponse struct {
	Open   interface{} `json:"open"`
	Closed interface{} `json:"closed"`
}

// handleIncidents lists open incident summaries plus recently closed
// records. ?closed_limit bounds the closed portion, default 50.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	closedLimit := 50
	if v := r.URL.Query().Get("closed_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid closed_limit", http.StatusBadRequest)
			return
		}
		closedLimit = n
	}

	s.writeJSON(w, http.StatusOK, incidentsResponse{
		Open:   s.pipe.Correlator().OpenSummaries(),
		Closed: s.closedStore.Recent(time.Time{}, closedLimit),
	})
}

type incidentResponse struct {
	State    string              `json:"state"`
	Summary  interface{}         `json:"summary"`
	Decision *policy.Decision    `json:"decision,omitempty"`
	Record   *store.ClosedRecord `json:"record,omitempty"`
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["incident_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid incident id", http.StatusBadRequest)
		return
	}

	// Open incidents are snapshotted under the incident lock; closed ones
	// come from the terminal store.
	var resp incidentResponse
	if summary, ok := s.openSummary(id); ok {
		resp.State = "open"
		resp.Summary = summary
		if d, ok := s.engine.DecisionFor(id); ok {
			resp.Decision = d
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	if rec, ok := s.closedStore.Get(id); ok {
		resp.State = "closed"
		resp.Record = rec
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	http.Error(w, "incident not found", http.StatusNotFound)
}

func (s *Server) openSummary(id uint64) (model.IncidentSummary, bool) {
	var summary model.IncidentSummary
	ok := s.pipe.Correlator().WithIncident(id, func(inc *model.Incident) {
		summary = inc.Summary()
	})
	return summary, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
