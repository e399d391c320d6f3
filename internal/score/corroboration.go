package score

import (
	"sync"
	"sync/atomic"
	"time"
)

// CorroborationIndex tracks how many distinct peers have reported incidents
// touching a given entity digest. Cross-node corroboration raises local
// scoring confidence but never overrides a local score.
type CorroborationIndex struct {
	ttl     time.Duration
	version atomic.Uint64

	mu      sync.Mutex
	entries map[string]map[string]time.Time // digest -> peer node id -> last report
}

// NewCorroborationIndex creates an index whose entries expire after ttl.
func NewCorroborationIndex(ttl time.Duration) *CorroborationIndex {
	return &CorroborationIndex{
		ttl:     ttl,
		entries: make(map[string]map[string]time.Time),
	}
}

// Record notes that nodeID reported an incident touching the digest.
func (ci *CorroborationIndex) Record(digest, nodeID string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	peers, ok := ci.entries[digest]
	if !ok {
		peers = make(map[string]time.Time)
		ci.entries[digest] = peers
	}
	peers[nodeID] = time.Now()
	ci.version.Add(1)
}

// Matches returns the number of distinct peers with a live report for the
// digest.
func (ci *CorroborationIndex) Matches(digest string) int {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	peers := ci.entries[digest]
	cutoff := time.Now().Add(-ci.ttl)
	count := 0
	for nodeID, last := range peers {
		if last.Before(cutoff) {
			delete(peers, nodeID)
			continue
		}
		count++
	}
	if len(peers) == 0 {
		delete(ci.entries, digest)
	}
	return count
}

// Version increments on every record; score caches key on it.
func (ci *CorroborationIndex) Version() uint64 {
	return ci.version.Load()
}

// Size reports the number of tracked digests.
func (ci *CorroborationIndex) Size() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.entries)
}
