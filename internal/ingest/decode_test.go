package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidSignal(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	payload := []byte(`{
		"id": "s1",
		"source_entity": "host-a",
		"kind": "port_scan",
		"timestamp": "2026-08-27T10:00:00Z",
		"attributes": {"target_entity": "host-b", "port": "22"},
		"confidence": 0.85
	}`)

	sig, err := d.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "s1", sig.ID)
	assert.Equal(t, "host-a", sig.SourceEntity)
	assert.Equal(t, "port_scan", sig.Kind)
	assert.Equal(t, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), sig.Timestamp)
	assert.Equal(t, "host-b", sig.Attributes["target_entity"])
	assert.Equal(t, 0.85, sig.Confidence)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `port_scan host-a`},
		{"missing id", `{"source_entity":"host-a","kind":"port_scan","timestamp":"2026-08-27T10:00:00Z","confidence":0.5}`},
		{"empty id", `{"id":"","source_entity":"host-a","kind":"port_scan","timestamp":"2026-08-27T10:00:00Z","confidence":0.5}`},
		{"missing confidence", `{"id":"s1","source_entity":"host-a","kind":"port_scan","timestamp":"2026-08-27T10:00:00Z"}`},
		{"confidence as string", `{"id":"s1","source_entity":"host-a","kind":"port_scan","timestamp":"2026-08-27T10:00:00Z","confidence":"high"}`},
		{"non-string attribute", `{"id":"s1","source_entity":"host-a","kind":"port_scan","timestamp":"2026-08-27T10:00:00Z","confidence":0.5,"attributes":{"port":22}}`},
	}

	d, err := NewDecoder()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}
