package model

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Signal is a single normalized observation from a sensor. Signals are
// immutable once created.
type Signal struct {
	ID           string            `json:"id"`
	SourceEntity string            `json:"source_entity"`
	Kind         string            `json:"kind"`
	Timestamp    time.Time         `json:"timestamp"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Confidence   float64           `json:"confidence"` // 0.0 to 1.0
}

// TargetEntityAttr is the attribute key sensors use to name a second entity
// touched by a signal (e.g. the destination host of a lateral movement).
const TargetEntityAttr = "target_entity"

// Entities returns all entities the signal touches: the source entity plus
// an optional target entity from the attributes.
func (s *Signal) Entities() []string {
	entities := []string{s.SourceEntity}
	if target, ok := s.Attributes[TargetEntityAttr]; ok && target != "" && target != s.SourceEntity {
		entities = append(entities, target)
	}
	return entities
}

// IncidentState tracks an incident through the policy state machine.
type IncidentState string

const (
	IncidentOpen      IncidentState = "open"
	IncidentEvaluated IncidentState = "evaluated"
	IncidentActioned  IncidentState = "actioned"
	IncidentClosed    IncidentState = "closed"
)

// Incident is a correlated group of signals believed to represent one threat
// event. Incidents are mutable while open and frozen once closed. The numeric
// ID is a process-wide monotonic sequence; merges survive under the lowest ID.
type Incident struct {
	ID        uint64             `json:"id"`
	Signals   map[string]*Signal `json:"-"`
	Entities  map[string]bool    `json:"-"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	State     IncidentState      `json:"state"`

	// Version increments on every member-set mutation. Score caches key on it.
	Version uint64 `json:"-"`
}

// IncidentSummary is the read-only wire/API view of an incident.
type IncidentSummary struct {
	ID        uint64        `json:"id"`
	SignalIDs []string      `json:"signal_ids"`
	Entities  []string      `json:"entities"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	State     IncidentState `json:"state"`
}

// Summary produces a sorted, stable snapshot of the incident.
func (i *Incident) Summary() IncidentSummary {
	signalIDs := make([]string, 0, len(i.Signals))
	for id := range i.Signals {
		signalIDs = append(signalIDs, id)
	}
	sort.Strings(signalIDs)

	entities := make([]string, 0, len(i.Entities))
	for e := range i.Entities {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	return IncidentSummary{
		ID:        i.ID,
		SignalIDs: signalIDs,
		Entities:  entities,
		FirstSeen: i.FirstSeen,
		LastSeen:  i.LastSeen,
		State:     i.State,
	}
}

// Factor is one named weighted term contributing to a threat score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// ThreatScore is a normalized [0,1] severity estimate for an incident.
// Scores are recomputed on incident mutation and may move in either direction.
type ThreatScore struct {
	IncidentID uint64    `json:"incident_id"`
	Value      float64   `json:"value"` // 0.0 to 1.0
	Factors    []Factor  `json:"factors"`
	ComputedAt time.Time `json:"computed_at"`
}

// ActionKind enumerates the response action variants, ordered from least to
// most restrictive. The ordering is load-bearing: legal downgrades step down
// this ladder and never escalate.
type ActionKind int

const (
	ActionNoAction ActionKind = iota
	ActionAlert
	ActionDeceive
	ActionIsolate
	ActionBlock
)

var actionKindNames = map[ActionKind]string{
	ActionNoAction: "no_action",
	ActionAlert:    "alert",
	ActionDeceive:  "deceive",
	ActionIsolate:  "isolate",
	ActionBlock:    "block",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets ActionKind round-trip through JSON as its name.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses an action kind name.
func (k *ActionKind) UnmarshalText(text []byte) error {
	parsed, err := ParseActionKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML writes the action name; yaml.v3 does not consult MarshalText.
func (k ActionKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML parses the action name used in rule files.
func (k *ActionKind) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(name))
}

// ParseActionKind converts an action name to its kind.
func ParseActionKind(name string) (ActionKind, error) {
	for kind, n := range actionKindNames {
		if n == name {
			return kind, nil
		}
	}
	return ActionNoAction, &UnknownActionError{Name: name}
}

// UnknownActionError reports an unrecognized action kind name.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return "unknown action kind: " + e.Name
}

// Justification ties a response action to the exact threat score and policy
// rule that produced it.
type Justification struct {
	ScoreValue    float64   `json:"score_value"`
	ScoreComputed time.Time `json:"score_computed"`
	RuleID        string    `json:"rule_id"`
	Reasons       []string  `json:"reasons,omitempty"`
}

// ResponseAction is the concrete automated action chosen for an incident.
type ResponseAction struct {
	ID            string        `json:"id"`
	IncidentID    uint64        `json:"incident_id"`
	Kind          ActionKind    `json:"kind"`
	TargetEntity  string        `json:"target_entity,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`   // isolate
	ProfileID     string        `json:"profile_id,omitempty"` // deceive
	Scope         string        `json:"scope,omitempty"`      // block
	Justification Justification `json:"justification"`
	CreatedAt     time.Time     `json:"created_at"`
}

// OutcomeStatus classifies the result of dispatching a response action.
type OutcomeStatus string

const (
	OutcomeSuccess          OutcomeStatus = "success"
	OutcomeFailed           OutcomeStatus = "failed"
	OutcomePartiallyApplied OutcomeStatus = "partially_applied"
)

// Outcome records the result of a dispatch, including retry accounting.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
}

// PolicyRule maps a severity range to the proportional responses allowed for
// it. Rules are immutable configuration, loaded at startup. Ranges are
// half-open [min, max) except the highest rule, which includes 1.0; overlap
// ties resolve to the lowest rule ID.
type PolicyRule struct {
	ID                 string       `yaml:"id" json:"id"`
	MinSeverity        float64      `yaml:"min_severity" json:"min_severity"`
	MaxSeverity        float64      `yaml:"max_severity" json:"max_severity"`
	AllowedActions     []ActionKind `yaml:"allowed_actions" json:"allowed_actions"`
	ResourceCost       int          `yaml:"resource_cost" json:"resource_cost"`
	LegalConstraintTag string       `yaml:"legal_constraint_tag" json:"legal_constraint_tag"`
}

// Contains reports whether the rule's severity range covers the score.
func (r *PolicyRule) Contains(score float64) bool {
	if score >= r.MinSeverity && score < r.MaxSeverity {
		return true
	}
	// The top of the severity scale belongs to the rule that ends at 1.0.
	return score == 1.0 && r.MaxSeverity >= 1.0
}

// Allows reports whether the rule permits the given action kind.
func (r *PolicyRule) Allows(kind ActionKind) bool {
	for _, a := range r.AllowedActions {
		if a == kind {
			return true
		}
	}
	return false
}

// IncidentDigest is a privacy-preserving summary of a closed incident shared
// across federation peers. Entities travel as blake2b digests, never raw
// identifiers, and raw sensor data never leaves the node.
type IncidentDigest struct {
	EntityDigests []string  `json:"entity_digests"`
	SignalCount   int       `json:"signal_count"`
	Severity      float64   `json:"severity"`
	ClosedAt      time.Time `json:"closed_at"`
}

// ScoreSummary aggregates recent local score statistics for peers.
type ScoreSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
}

// FederationMessage is the gossip unit exchanged between defense nodes.
type FederationMessage struct {
	MsgID        string           `json:"msg_id"`
	NodeID       string           `json:"node_id"`
	Digests      []IncidentDigest `json:"digests"`
	ScoreSummary ScoreSummary     `json:"score_summary"`
	HopsLeft     int              `json:"hops_left"`
	SentAt       time.Time        `json:"sent_at"`
	Signature    []byte           `json:"signature,omitempty"`
}
