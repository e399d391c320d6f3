package federation

import "sync"

// TrustTracker counts verification failures per sender. The core decrements
// trust and nothing more; exile policy belongs to the operator.
type TrustTracker struct {
	mu     sync.Mutex
	scores map[string]int
}

// NewTrustTracker starts every peer at zero.
func NewTrustTracker() *TrustTracker {
	return &TrustTracker{scores: make(map[string]int)}
}

// Decrement lowers a sender's trust after a verification failure.
func (t *TrustTracker) Decrement(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[nodeID]--
}

// Score returns the trust counter for a node (0 when never penalized).
func (t *TrustTracker) Score(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scores[nodeID]
}

// Snapshot copies all non-zero trust counters.
func (t *TrustTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.scores))
	for node, score := range t.scores {
		out[node] = score
	}
	return out
}
