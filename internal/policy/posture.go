package policy

import (
	"log/slog"
	"sync"
	"time"
)

// Posture names, from least to most aggressive.
const (
	PosturePassive    = "passive"
	PostureStandard   = "standard"
	PostureAggressive = "aggressive"
	PostureParanoid   = "paranoid"
)

// PostureManager tracks the node's defense posture. The operator sets a base
// posture; sustained threat volume escalates it and quiet periods restore
// the base. Posture shifts the alert floor, never the scores themselves.
type PostureManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	base    string
	current string
	recent  []time.Time

	// Escalate to paranoid when this many threats land inside the window.
	escalateThreshold int
	window            time.Duration
}

// NewPostureManager creates a manager starting at the operator's base
// posture.
func NewPostureManager(base string, logger *slog.Logger) *PostureManager {
	return &PostureManager{
		logger:            logger,
		base:              base,
		current:           base,
		escalateThreshold: 20,
		window:            5 * time.Minute,
	}
}

// RecordThreat notes an actioned threat and escalates posture when volume
// crosses the threshold.
func (pm *PostureManager) RecordThreat() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := time.Now()
	pm.recent = append(pm.recent, now)
	pm.prune(now)

	if len(pm.recent) >= pm.escalateThreshold && pm.current != PostureParanoid {
		pm.current = PostureParanoid
		pm.logger.Warn("Defense posture escalated",
			"posture", pm.current,
			"recent_threats", len(pm.recent),
			"window", pm.window)
	}
}

// Current returns the active posture, restoring the base after a quiet
// window.
func (pm *PostureManager) Current() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.prune(time.Now())
	if len(pm.recent) == 0 && pm.current != pm.base {
		pm.logger.Info("Defense posture restored", "posture", pm.base)
		pm.current = pm.base
	}
	return pm.current
}

// RecordExhaustion drops an escalated posture back to the base. A node whose
// response budget has run dry cannot sustain an elevated stance.
func (pm *PostureManager) RecordExhaustion() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.current != pm.base {
		pm.logger.Warn("Defense posture lowered, response budget exhausted", "posture", pm.base)
		pm.current = pm.base
		pm.recent = pm.recent[:0]
	}
}

func (pm *PostureManager) prune(now time.Time) {
	cutoff := now.Add(-pm.window)
	kept := pm.recent[:0]
	for _, t := range pm.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	pm.recent = kept
}

// AlertFloorFor scales the configured alert floor by posture: aggressive
// postures alert earlier, passive later.
func AlertFloorFor(base float64, posture string) float64 {
	floor := base
	switch posture {
	case PosturePassive:
		floor += 0.1
	case PostureAggressive:
		floor -= 0.1
	case PostureParanoid:
		floor -= 0.2
	}
	if floor < 0.05 {
		floor = 0.05
	}
	if floor > 1 {
		floor = 1
	}
	return floor
}
