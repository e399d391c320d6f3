package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Values come from an optional YAML
// file overlaid with BASTION_* environment variables; env wins.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	NodeID     string           `yaml:"node_id"`
	HTTPAddr   string           `yaml:"http_addr"`
	NATSURL    string           `yaml:"nats_url"`
	Posture    string           `yaml:"posture"` // passive, standard, aggressive, paranoid
	Bus        BusConfig        `yaml:"bus"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Correlate  CorrelateConfig  `yaml:"correlate"`
	Policy     PolicyConfig     `yaml:"policy"`
	Respond    RespondConfig    `yaml:"respond"`
	Federation FederationConfig `yaml:"federation"`
	Store      StoreConfig      `yaml:"store"`
}

// BusConfig bounds the signal bus buffers.
type BusConfig struct {
	PerEntityBuffer int `yaml:"per_entity_buffer"`
	Shards          int `yaml:"shards"`
}

// IngestConfig configures the sensor-facing transports.
type IngestConfig struct {
	NATSSubject string      `yaml:"nats_subject"`
	Queue       string      `yaml:"queue"`
	Kafka       KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the optional Kafka sensor source.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// CorrelateConfig tunes incident formation.
type CorrelateConfig struct {
	Window        time.Duration `yaml:"window"`
	CloseInterval time.Duration `yaml:"close_interval"`
}

// PolicyConfig tunes the policy engine and its resource budget.
type PolicyConfig struct {
	RulesFile         string        `yaml:"rules_file"`
	BudgetCapacity    int64         `yaml:"budget_capacity"`
	ReplenishInterval time.Duration `yaml:"replenish_interval"`
	AlertFloor        float64       `yaml:"alert_floor"`
	EnabledLegalTags  []string      `yaml:"enabled_legal_tags"`
	// ActionCosts maps action kind names to budget cost units. Missing kinds
	// fall back to built-in defaults.
	ActionCosts map[string]int `yaml:"action_costs"`
}

// RespondConfig bounds the dispatch queue and retry behavior.
type RespondConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	ActionSubject string        `yaml:"action_subject"`
}

// FederationConfig configures peer gossip.
type FederationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Peers         []string      `yaml:"peers"`
	Interval      time.Duration `yaml:"interval"`
	Fanout        int           `yaml:"fanout"`
	MaxHops       int           `yaml:"max_hops"`
	SeenCacheSize int           `yaml:"seen_cache_size"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	// KeySeed is the base64 ed25519 seed used to sign outbound digests. An
	// ephemeral key is generated when empty, which peers will not trust.
	KeySeed string `yaml:"key_seed"`
	// PeerKeys maps peer node ids to base64 ed25519 public keys.
	PeerKeys map[string]string `yaml:"peer_keys"`
}

// StoreConfig bounds the closed-incident store.
type StoreConfig struct {
	MaxClosed int `yaml:"max_closed"`
	DedupeCap int `yaml:"dedupe_cap"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPAddr: ":8090",
		NATSURL:  "nats://localhost:4222",
		Posture:  "standard",
		Bus: BusConfig{
			PerEntityBuffer: 256,
			Shards:          8,
		},
		Ingest: IngestConfig{
			NATSSubject: "signals.raw",
			Queue:       "bastion",
		},
		Correlate: CorrelateConfig{
			Window:        30 * time.Second,
			CloseInterval: 5 * time.Second,
		},
		Policy: PolicyConfig{
			RulesFile:         "rules.yaml",
			BudgetCapacity:    100,
			ReplenishInterval: 30 * time.Second,
			AlertFloor:        0.4,
			EnabledLegalTags:  []string{"observe", "contain"},
		},
		Respond: RespondConfig{
			QueueSize:     512,
			Workers:       4,
			MaxRetries:    3,
			RetryBackoff:  200 * time.Millisecond,
			ActionSubject: "actions.dispatch",
		},
		Federation: FederationConfig{
			Enabled:       false,
			Interval:      30 * time.Second,
			Fanout:        3,
			MaxHops:       4,
			SeenCacheSize: 4096,
			SubjectPrefix: "federation.node",
		},
		Store: StoreConfig{
			MaxClosed: 10000,
			DedupeCap: 100000,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Correlate.Window <= 0 {
		return fmt.Errorf("correlate.window must be positive, got %s", c.Correlate.Window)
	}
	if c.Policy.BudgetCapacity < 0 {
		return fmt.Errorf("policy.budget_capacity must not be negative, got %d", c.Policy.BudgetCapacity)
	}
	if c.Policy.ReplenishInterval <= 0 {
		return fmt.Errorf("policy.replenish_interval must be positive, got %s", c.Policy.ReplenishInterval)
	}
	if c.Bus.PerEntityBuffer <= 0 {
		return fmt.Errorf("bus.per_entity_buffer must be positive, got %d", c.Bus.PerEntityBuffer)
	}
	if c.Bus.Shards <= 0 {
		return fmt.Errorf("bus.shards must be positive, got %d", c.Bus.Shards)
	}
	if c.Respond.QueueSize <= 0 {
		return fmt.Errorf("respond.queue_size must be positive, got %d", c.Respond.QueueSize)
	}
	if c.Store.MaxClosed <= 0 {
		return fmt.Errorf("store.max_closed must be positive, got %d", c.Store.MaxClosed)
	}
	if c.Store.DedupeCap <= 0 {
		return fmt.Errorf("store.dedupe_cap must be positive, got %d", c.Store.DedupeCap)
	}
	switch c.Posture {
	case "passive", "standard", "aggressive", "paranoid":
	default:
		return fmt.Errorf("unknown posture %q", c.Posture)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("BASTION_LOG_LEVEL", c.LogLevel)
	c.NodeID = getEnv("BASTION_NODE_ID", c.NodeID)
	c.HTTPAddr = getEnv("BASTION_HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = getEnv("BASTION_NATS_URL", c.NATSURL)
	c.Posture = getEnv("BASTION_POSTURE", c.Posture)
	c.Ingest.NATSSubject = getEnv("BASTION_SIGNAL_SUBJECT", c.Ingest.NATSSubject)
	c.Policy.RulesFile = getEnv("BASTION_RULES_FILE", c.Policy.RulesFile)
	c.Policy.BudgetCapacity = int64(getEnvInt("BASTION_BUDGET_CAPACITY", int(c.Policy.BudgetCapacity)))
	c.Correlate.Window = getEnvDuration("BASTION_WINDOW", c.Correlate.Window)
	c.Policy.ReplenishInterval = getEnvDuration("BASTION_REPLENISH_INTERVAL", c.Policy.ReplenishInterval)
	c.Federation.Enabled = getEnvBool("BASTION_FEDERATION_ENABLED", c.Federation.Enabled)
	if peers := os.Getenv("BASTION_FEDERATION_PEERS"); peers != "" {
		c.Federation.Peers = splitAndTrim(peers)
	}
	c.Federation.KeySeed = getEnv("BASTION_FEDERATION_KEY_SEED", c.Federation.KeySeed)
	if tags := os.Getenv("BASTION_LEGAL_TAGS"); tags != "" {
		c.Policy.EnabledLegalTags = splitAndTrim(tags)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
