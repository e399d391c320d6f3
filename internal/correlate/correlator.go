// Package correlate groups accepted signals into incidents using sliding
// time windows per affected entity.
package correlate

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
)

// UpdatedFunc is called after a signal attaches to or opens an incident. The
// incident lock is released before the call; consumers re-enter through
// WithIncident for a consistent view.
type UpdatedFunc func(incidentID uint64)

// ClosedFunc is called exactly once when an incident freezes, with the final
// immutable summary.
type ClosedFunc func(summary model.IncidentSummary)

// AbsorbedFunc is called when a merge absorbs an incident into a lower-id
// survivor, so downstream per-incident state can be released.
type AbsorbedFunc func(loserID, survivorID uint64)

// slot wraps an open incident with its own lock. Locks are only ever taken
// in ascending incident-id order, which keeps the merge-of-merges case
// deadlock free.
type slot struct {
	mu         sync.Mutex
	inc        *model.Incident
	mergedInto uint64 // non-zero once absorbed by a lower-id incident
	closed     bool
}

// Correlator owns all open incidents. Scoring and policy evaluation re-enter
// through WithIncident, so an incident is never read while a merge is
// mutating its member set.
type Correlator struct {
	window     time.Duration
	onUpdated  UpdatedFunc
	onClosed   ClosedFunc
	onAbsorbed AbsorbedFunc
	metrics    *metrics.Metrics
	logger     *slog.Logger

	seq atomic.Uint64

	mu       sync.Mutex // guards the two maps below; innermost lock
	open     map[uint64]*slot
	byEntity map[string]map[uint64]struct{}

	closerStop chan struct{}
	closerDone chan struct{}
}

// New creates a correlator with window w.
func New(w time.Duration, onUpdated UpdatedFunc, onClosed ClosedFunc, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	return &Correlator{
		window:    w,
		onUpdated: onUpdated,
		onClosed:  onClosed,
		metrics:   m,
		logger:    logger,
		open:      make(map[uint64]*slot),
		byEntity:  make(map[string]map[uint64]struct{}),
	}
}

// OnAbsorbed registers a callback for merge losers. Must be set before the
// first signal is delivered.
func (c *Correlator) OnAbsorbed(fn AbsorbedFunc) {
	c.onAbsorbed = fn
}

// StartCloser launches the idle-close routine, which freezes incidents that
// have seen no signal within the window.
func (c *Correlator) StartCloser(interval time.Duration) {
	if c.closerStop != nil {
		return
	}
	c.closerStop = make(chan struct{})
	c.closerDone = make(chan struct{})
	go c.runCloser(interval)
}

// StopCloser stops the idle-close routine.
func (c *Correlator) StopCloser() {
	if c.closerStop == nil {
		return
	}
	close(c.closerStop)
	<-c.closerDone
	c.closerStop = nil
}

// OnSignal attaches the signal to an open incident, merges incidents the
// signal bridges, or opens a new incident. Merging is deterministic: the
// lowest incident id always survives, regardless of arrival order.
func (c *Correlator) OnSignal(sig *model.Signal) {
	for {
		if c.attempt(sig) {
			return
		}
		// A candidate was merged or closed underneath us; retry against the
		// survivors.
	}
}

func (c *Correlator) attempt(sig *model.Signal) bool {
	entities := sig.Entities()

	candidates := c.candidateIDs(entities)
	slots, ok := c.lockAscending(candidates)
	if !ok {
		return false
	}

	// Requalify under the slot locks: still open, still sharing an entity,
	// and with a last-seen inside the window.
	var matched []*slot
	for _, s := range slots {
		if c.qualifies(s.inc, entities, sig.Timestamp) {
			matched = append(matched, s)
		}
	}

	switch len(matched) {
	case 0:
		unlockAll(slots)
		c.openIncident(sig)
		return true
	case 1:
		c.attach(matched[0].inc, sig)
		id := matched[0].inc.ID
		unlockAll(slots)
		c.onUpdated(id)
		return true
	default:
		survivor, losers := c.merge(matched)
		c.attach(survivor, sig)
		id := survivor.ID
		unlockAll(slots)
		if c.onAbsorbed != nil {
			for _, loser := range losers {
				c.onAbsorbed(loser, id)
			}
		}
		c.onUpdated(id)
		return true
	}
}

// candidateIDs collects sorted ids of open incidents touching any of the
// entities.
func (c *Correlator) candidateIDs(entities []string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(map[uint64]struct{})
	for _, e := range entities {
		for id := range c.byEntity[e] {
			set[id] = struct{}{}
		}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// lockAscending locks the slots for the given ids in ascending order.
// Returns ok=false if any slot vanished or was merged/closed meanwhile,
// with every acquired lock released; the caller retries.
func (c *Correlator) lockAscending(ids []uint64) ([]*slot, bool) {
	var locked []*slot
	for _, id := range ids {
		c.mu.Lock()
		s, ok := c.open[id]
		c.mu.Unlock()
		if !ok {
			unlockAll(locked)
			return nil, false
		}
		s.mu.Lock()
		if s.mergedInto != 0 || s.closed {
			s.mu.Unlock()
			unlockAll(locked)
			return nil, false
		}
		locked = append(locked, s)
	}
	return locked, true
}

func unlockAll(slots []*slot) {
	for _, s := range slots {
		s.mu.Unlock()
	}
}

func (c *Correlator) qualifies(inc *model.Incident, entities []string, ts time.Time) bool {
	shared := false
	for _, e := range entities {
		if inc.Entities[e] {
			shared = true
			break
		}
	}
	if !shared {
		return false
	}
	delta := ts.Sub(inc.LastSeen)
	if delta < 0 {
		delta = -delta
	}
	return delta <= c.window
}

func (c *Correlator) openIncident(sig *model.Signal) {
	id := c.seq.Add(1)
	inc := &model.Incident{
		ID:        id,
		Signals:   map[string]*model.Signal{sig.ID: sig},
		Entities:  make(map[string]bool),
		FirstSeen: sig.Timestamp,
		LastSeen:  sig.Timestamp,
		State:     model.IncidentOpen,
		Version:   1,
	}
	for _, e := range sig.Entities() {
		inc.Entities[e] = true
	}

	s := &slot{inc: inc}
	c.mu.Lock()
	c.open[id] = s
	for e := range inc.Entities {
		c.indexEntity(e, id)
	}
	c.mu.Unlock()

	c.metrics.IncidentsOpened.Inc()
	c.logger.Info("Incident opened",
		"incident_id", id,
		"signal_id", sig.ID,
		"source_entity", sig.SourceEntity)
	c.onUpdated(id)
}

// attach adds the signal to an incident. Caller holds the incident's lock.
func (c *Correlator) attach(inc *model.Incident, sig *model.Signal) {
	inc.Signals[sig.ID] = sig
	if sig.Timestamp.After(inc.LastSeen) {
		inc.LastSeen = sig.Timestamp
	}
	if sig.Timestamp.Before(inc.FirstSeen) {
		inc.FirstSeen = sig.Timestamp
	}
	inc.Version++

	c.mu.Lock()
	for _, e := range sig.Entities() {
		if !inc.Entities[e] {
			inc.Entities[e] = true
			c.indexEntity(e, inc.ID)
		}
	}
	c.mu.Unlock()
}

// merge folds all matched incidents into the lowest-id one. Caller holds
// every slot lock, acquired in ascending id order.
func (c *Correlator) merge(matched []*slot) (*model.Incident, []uint64) {
	survivor := matched[0].inc
	for _, s := range matched {
		if s.inc.ID < survivor.ID {
			survivor = s.inc
		}
	}

	var losers []uint64
	for _, s := range matched {
		if s.inc.ID == survivor.ID {
			continue
		}
		loser := s.inc
		for sigID, sig := range loser.Signals {
			survivor.Signals[sigID] = sig
		}
		if loser.FirstSeen.Before(survivor.FirstSeen) {
			survivor.FirstSeen = loser.FirstSeen
		}
		if loser.LastSeen.After(survivor.LastSeen) {
			survivor.LastSeen = loser.LastSeen
		}

		c.mu.Lock()
		for e := range loser.Entities {
			survivor.Entities[e] = true
			delete(c.byEntity[e], loser.ID)
			c.indexEntity(e, survivor.ID)
		}
		delete(c.open, loser.ID)
		c.mu.Unlock()

		s.mergedInto = survivor.ID
		losers = append(losers, loser.ID)
		c.metrics.IncidentsMerged.Inc()
		c.logger.Info("Incidents merged",
			"survivor_id", survivor.ID,
			"absorbed_id", loser.ID,
			"member_count", len(survivor.Signals))
	}
	survivor.Version++
	return survivor, losers
}

// indexEntity must be called with c.mu held.
func (c *Correlator) indexEntity(entity string, id uint64) {
	ids, ok := c.byEntity[entity]
	if !ok {
		ids = make(map[uint64]struct{})
		c.byEntity[entity] = ids
	}
	ids[id] = struct{}{}
}

// WithIncident runs fn with the incident locked, following merges to the
// surviving incident. Returns false if the incident is closed or gone; fn is
// never invoked for a closed incident.
func (c *Correlator) WithIncident(id uint64, fn func(inc *model.Incident)) bool {
	for {
		c.mu.Lock()
		s, ok := c.open[id]
		c.mu.Unlock()
		if !ok {
			return false
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		if s.mergedInto != 0 {
			next := s.mergedInto
			s.mu.Unlock()
			id = next
			continue
		}
		fn(s.inc)
		s.mu.Unlock()
		return true
	}
}

// Close freezes an incident, removes it from the open set, and reports the
// final summary. Safe to call for already-closed ids; closing is idempotent.
func (c *Correlator) Close(id uint64, reason string) bool {
	c.mu.Lock()
	s, ok := c.open[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.closed || s.mergedInto != 0 {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.inc.State = model.IncidentClosed
	summary := s.inc.Summary()
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.open, id)
	for _, e := range summary.Entities {
		delete(c.byEntity[e], id)
		if len(c.byEntity[e]) == 0 {
			delete(c.byEntity, e)
		}
	}
	c.mu.Unlock()

	c.metrics.IncidentsClosed.Inc()
	c.logger.Info("Incident closed",
		"incident_id", id,
		"reason", reason,
		"member_count", len(summary.SignalIDs))
	c.onClosed(summary)
	return true
}

// OpenCount reports the number of currently open incidents.
func (c *Correlator) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// OpenSummaries returns stable snapshots of all open incidents.
func (c *Correlator) OpenSummaries() []model.IncidentSummary {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []model.IncidentSummary
	for _, id := range ids {
		c.WithIncident(id, func(inc *model.Incident) {
			out = append(out, inc.Summary())
		})
	}
	return out
}

func (c *Correlator) runCloser(interval time.Duration) {
	defer close(c.closerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.closeIdle(time.Now())
		case <-c.closerStop:
			return
		}
	}
}

// closeIdle freezes incidents with no signal attached within the window.
func (c *Correlator) closeIdle(now time.Time) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		idle := false
		c.WithIncident(id, func(inc *model.Incident) {
			idle = now.Sub(inc.LastSeen) > c.window
		})
		if idle {
			c.Close(id, "idle")
		}
	}
}
