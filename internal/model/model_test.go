package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_EntitiesIncludesTarget(t *testing.T) {
	sig := &Signal{
		ID:           "s1",
		SourceEntity: "host-a",
		Kind:         "lateral_movement",
		Timestamp:    time.Now(),
		Attributes:   map[string]string{TargetEntityAttr: "host-b", "port": "445"},
		Confidence:   0.9,
	}

	assert.Equal(t, []string{"host-a", "host-b"}, sig.Entities())
}

func TestSignal_EntitiesDeduplicatesSelfTarget(t *testing.T) {
	sig := &Signal{
		SourceEntity: "host-a",
		Attributes:   map[string]string{TargetEntityAttr: "host-a"},
	}
	assert.Equal(t, []string{"host-a"}, sig.Entities())
}

func TestSummary_SortedAndStable(t *testing.T) {
	inc := &Incident{
		ID:       3,
		Signals:  map[string]*Signal{"s2": {ID: "s2"}, "s1": {ID: "s1"}},
		Entities: map[string]bool{"host-b": true, "host-a": true},
		State:    IncidentOpen,
	}

	summary := inc.Summary()
	assert.Equal(t, []string{"s1", "s2"}, summary.SignalIDs)
	assert.Equal(t, []string{"host-a", "host-b"}, summary.Entities)
}

func TestActionKind_RoundTrip(t *testing.T) {
	for _, kind := range []ActionKind{ActionNoAction, ActionAlert, ActionDeceive, ActionIsolate, ActionBlock} {
		parsed, err := ParseActionKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseActionKind("everything")
	var unknown *UnknownActionError
	assert.ErrorAs(t, err, &unknown)
}

func TestActionKind_JSONUsesNames(t *testing.T) {
	data, err := json.Marshal(ResponseAction{Kind: ActionIsolate})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"isolate"`)

	var action ResponseAction
	require.NoError(t, json.Unmarshal(data, &action))
	assert.Equal(t, ActionIsolate, action.Kind)
}

func TestActionKind_LadderOrdering(t *testing.T) {
	assert.True(t, ActionNoAction < ActionAlert)
	assert.True(t, ActionAlert < ActionDeceive)
	assert.True(t, ActionDeceive < ActionIsolate)
	assert.True(t, ActionIsolate < ActionBlock)
}

func TestPolicyRule_ContainsHalfOpen(t *testing.T) {
	rule := PolicyRule{MinSeverity: 0.4, MaxSeverity: 0.7}
	assert.True(t, rule.Contains(0.4))
	assert.True(t, rule.Contains(0.699))
	assert.False(t, rule.Contains(0.7))

	top := PolicyRule{MinSeverity: 0.9, MaxSeverity: 1.0}
	assert.True(t, top.Contains(1.0), "1.0 belongs to the rule ending at 1.0")
}

func TestEntityDigest_StableAndOpaque(t *testing.T) {
	d1 := EntityDigest("host-a")
	d2 := EntityDigest("host-a")
	d3 := EntityDigest("host-b")

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.Len(t, d1, 32, "16-byte digest hex encodes to 32 characters")
	assert.NotContains(t, d1, "host", "raw identifiers never appear in digests")
}
