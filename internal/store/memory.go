// Package store keeps the terminal records of closed incidents. Closed is
// terminal: records here are never mutated or re-scored.
package store

import (
	"container/ring"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bastionsec/bastion/internal/model"
)

// ClosedRecord is the frozen end-state of an incident: its final summary,
// last computed score, and the action record if one was dispatched.
type ClosedRecord struct {
	Summary  model.IncidentSummary `json:"summary"`
	Score    *model.ThreatScore    `json:"score,omitempty"`
	Action   *model.ResponseAction `json:"action,omitempty"`
	Outcome  *model.Outcome        `json:"outcome,omitempty"`
	ClosedAt time.Time             `json:"closed_at"`
}

// MemoryStore is a thread-safe ring buffer of closed records with LRU
// deduplication by incident id.
type MemoryStore struct {
	mu        sync.RWMutex
	records   *ring.Ring
	byID      map[uint64]*ClosedRecord
	dedupe    *lru.Cache[uint64, bool]
	maxClosed int
	total     uint64
}

// NewMemoryStore creates a store holding at most maxClosed records.
func NewMemoryStore(maxClosed, dedupeCap int) *MemoryStore {
	dedupe, _ := lru.New[uint64, bool](dedupeCap)

	return &MemoryStore{
		records:   ring.New(maxClosed),
		byID:      make(map[uint64]*ClosedRecord),
		dedupe:    dedupe,
		maxClosed: maxClosed,
	}
}

// Add stores a closed record. Returns false if the incident was already
// recorded; closed incidents are recorded exactly once.
func (s *MemoryStore) Add(rec *ClosedRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Summary.ID
	if _, exists := s.dedupe.Get(id); exists {
		return false
	}
	s.dedupe.Add(id, true)

	// The ring overwrites the oldest record once full; drop its index entry.
	if old, ok := s.records.Value.(*ClosedRecord); ok && old != nil {
		delete(s.byID, old.Summary.ID)
	}
	s.records.Value = rec
	s.records = s.records.Next()
	s.byID[id] = rec
	s.total++

	return true
}

// Get returns the record for an incident id, if still retained.
func (s *MemoryStore) Get(id uint64) (*ClosedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	return rec, ok
}

// Recent returns up to limit records closed at or after since, oldest first.
func (s *MemoryStore) Recent(since time.Time, limit int) []*ClosedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ClosedRecord
	s.records.Do(func(value interface{}) {
		if rec, ok := value.(*ClosedRecord); ok && rec != nil {
			if !rec.ClosedAt.Before(since) {
				out = append(out, rec)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// All returns every retained record, oldest first.
func (s *MemoryStore) All() []*ClosedRecord {
	return s.Recent(time.Time{}, 0)
}

// Count reports how many incidents have ever been closed into the store.
func (s *MemoryStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
