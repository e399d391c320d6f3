package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bastionsec/bastion/internal/api"
	"github.com/bastionsec/bastion/internal/bus"
	"github.com/bastionsec/bastion/internal/config"
	"github.com/bastionsec/bastion/internal/federation"
	"github.com/bastionsec/bastion/internal/ingest"
	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
	"github.com/bastionsec/bastion/internal/pipeline"
	"github.com/bastionsec/bastion/internal/policy"
	"github.com/bastionsec/bastion/internal/respond"
	"github.com/bastionsec/bastion/internal/score"
	"github.com/bastionsec/bastion/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("BASTION_CONFIG"))
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	nodeID := cfg.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = "bastion-" + model.EntityDigest(host+uuid.NewString())[:12]
	}
	logger.Info("Starting bastion defense node",
		"node_id", nodeID,
		"posture", cfg.Posture,
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"window", cfg.Correlate.Window,
		"budget_capacity", cfg.Policy.BudgetCapacity,
		"federation_enabled", cfg.Federation.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("bastiond-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	m := metrics.New()

	rules, err := policy.LoadRules(cfg.Policy.RulesFile)
	if err != nil {
		logger.Warn("Failed to load rules file, using built-in rules",
			"rules_file", cfg.Policy.RulesFile,
			"error", err)
		rules = policy.DefaultRules()
	}
	logger.Info("Policy rules loaded", "version", rules.Version, "rule_count", len(rules.Rules))

	budget := policy.NewBudget(cfg.Policy.BudgetCapacity, m, logger)
	budget.StartReplenish(cfg.Policy.ReplenishInterval)
	defer budget.StopReplenish()

	posture := policy.NewPostureManager(cfg.Posture, logger)

	orch := respond.New(cfg.Respond.QueueSize, cfg.Respond.Workers, cfg.Respond.MaxRetries,
		cfg.Respond.RetryBackoff, nil, m, logger)
	actionHandler := respond.NewNATSHandler(nc, cfg.Respond.ActionSubject, logger)
	for _, kind := range respond.DispatchableKinds() {
		orch.Register(kind, actionHandler)
	}

	engine := policy.NewEngine(rules, budget, cfg.Policy.ActionCosts, cfg.Policy.EnabledLegalTags,
		cfg.Policy.AlertFloor, posture, orch, m, logger)

	corro := score.NewCorroborationIndex(10 * time.Minute)
	evaluator := &score.WeightedEvaluator{Bias: score.PostureBias(cfg.Posture)}
	scorer := score.New(evaluator, corro, m, logger)

	closedStore := store.NewMemoryStore(cfg.Store.MaxClosed, cfg.Store.DedupeCap)

	pipe := pipeline.New(cfg.Correlate.Window, scorer, engine, closedStore, m, logger)
	orch.SetOutcomeFunc(pipe.OnOutcome)

	signalBus := bus.New(cfg.Bus.PerEntityBuffer, cfg.Bus.Shards, pipe, nil, m, logger)
	signalBus.Start()
	defer signalBus.Stop()

	pipe.Correlator().StartCloser(cfg.Correlate.CloseInterval)
	defer pipe.Correlator().StopCloser()

	orch.Start()
	defer orch.Stop()

	var fed *federation.Coordinator
	if cfg.Federation.Enabled {
		signer, verifier, err := federationKeys(cfg.Federation, logger)
		if err != nil {
			logger.Error("Failed to set up federation keys", "error", err)
			os.Exit(1)
		}
		fed = federation.New(federation.Options{
			NodeID:        nodeID,
			Peers:         cfg.Federation.Peers,
			SubjectPrefix: cfg.Federation.SubjectPrefix,
			Interval:      cfg.Federation.Interval,
			Fanout:        cfg.Federation.Fanout,
			MaxHops:       cfg.Federation.MaxHops,
			SeenCacheSize: cfg.Federation.SeenCacheSize,
		}, nc, signer, verifier, corro, closedStore, m, logger)
		if err := fed.Start(ctx); err != nil {
			logger.Error("Failed to start federation coordinator", "error", err)
			os.Exit(1)
		}
		defer fed.Stop()
		logger.Info("Federation coordinator started", "peers", len(cfg.Federation.Peers))
	}

	decoder, err := ingest.NewDecoder()
	if err != nil {
		logger.Error("Failed to build signal decoder", "error", err)
		os.Exit(1)
	}
	subscriber := ingest.NewSubscriber(nc, signalBus, decoder, cfg.Ingest.NATSSubject, cfg.Ingest.Queue, logger)
	go func() {
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("Signal subscriber error", "error", err)
		}
	}()
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, signalBus, decoder, logger)

	apiServer := api.New(nodeID, posture, pipe, engine, budget, orch, signalBus, closedStore, fed, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Handler(),
	}
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bastion node started")
	<-sigChan

	logger.Info("Shutting down bastion node")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Bastion node stopped")
}

// federationKeys decodes the configured signing seed and peer public keys.
// A missing seed yields an ephemeral key so a lab node can still gossip.
func federationKeys(cfg config.FederationConfig, logger *slog.Logger) (federation.Signer, federation.Verifier, error) {
	var priv ed25519.PrivateKey
	if cfg.KeySeed != "" {
		seed, err := base64.StdEncoding.DecodeString(cfg.KeySeed)
		if err != nil {
			return nil, nil, err
		}
		if len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("federation key seed must decode to %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	} else {
		logger.Warn("No federation key seed configured, generating ephemeral key")
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		priv = generated
	}

	signer, err := federation.NewEd25519Signer(priv)
	if err != nil {
		return nil, nil, err
	}

	peerKeys := make(map[string]ed25519.PublicKey, len(cfg.PeerKeys))
	for peer, encoded := range cfg.PeerKeys {
		pub, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, err
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("federation public key for peer %q must decode to %d bytes, got %d", peer, ed25519.PublicKeySize, len(pub))
		}
		peerKeys[peer] = ed25519.PublicKey(pub)
	}
	return signer, federation.NewEd25519Verifier(peerKeys), nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
