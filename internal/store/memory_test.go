package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionsec/bastion/internal/model"
)

func record(id uint64, closedAt time.Time) *ClosedRecord {
	return &ClosedRecord{
		Summary: model.IncidentSummary{
			ID:        id,
			SignalIDs: []string{fmt.Sprintf("s%d", id)},
			Entities:  []string{"host-a"},
			State:     model.IncidentClosed,
		},
		ClosedAt: closedAt,
	}
}

func TestAdd_ExactlyOncePerIncident(t *testing.T) {
	s := NewMemoryStore(10, 100)
	now := time.Now().UTC()

	assert.True(t, s.Add(record(1, now)))
	assert.False(t, s.Add(record(1, now)), "an incident closes into the store exactly once")
	assert.Equal(t, uint64(1), s.Count())
}

func TestGet_ReturnsRetainedRecord(t *testing.T) {
	s := NewMemoryStore(10, 100)
	now := time.Now().UTC()

	require.True(t, s.Add(record(7, now)))

	got, ok := s.Get(7)
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Summary.ID)

	_, ok = s.Get(8)
	assert.False(t, ok)
}

func TestRing_EvictsOldestBeyondCapacity(t *testing.T) {
	s := NewMemoryStore(3, 100)
	now := time.Now().UTC()

	for id := uint64(1); id <= 5; id++ {
		require.True(t, s.Add(record(id, now.Add(time.Duration(id)*time.Second))))
	}

	_, ok := s.Get(1)
	assert.False(t, ok, "oldest record must be evicted")
	_, ok = s.Get(5)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), s.Count(), "count tracks closures, not retention")
	assert.Len(t, s.All(), 3)
}

func TestRecent_FiltersBySinceAndLimit(t *testing.T) {
	s := NewMemoryStore(10, 100)
	base := time.Now().UTC()

	for id := uint64(1); id <= 5; id++ {
		require.True(t, s.Add(record(id, base.Add(time.Duration(id)*time.Minute))))
	}

	got := s.Recent(base.Add(3*time.Minute), 0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Summary.ID)

	limited := s.Recent(time.Time{}, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(4), limited[0].Summary.ID, "limit keeps the newest records")
	assert.Equal(t, uint64(5), limited[1].Summary.ID)
}
