// Package bus ingests timestamped signals from sensors, validates them, and
// delivers them to the correlation pipeline in arrival order per source
// entity. Ordering across different entities is not guaranteed.
package bus

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
)

// ErrDuplicateSignal rejects a signal whose id has already been accepted.
var ErrDuplicateSignal = errors.New("duplicate signal")

// MalformedSignalError rejects a signal that fails validation. Malformed
// signals are counted and never enter correlation.
type MalformedSignalError struct {
	Reason string
}

func (e *MalformedSignalError) Error() string {
	return "malformed signal: " + e.Reason
}

// Consumer receives accepted signals. Delivery is serialized per source
// entity; the consumer must not assume any cross-entity order.
type Consumer interface {
	OnSignal(sig *model.Signal)
}

// DropFunc observes signals dropped under backpressure. Drops are always
// countable, never silent.
type DropFunc func(sig *model.Signal)

// Bus buffers accepted signals per entity and drains them through a fixed
// set of shard workers. An entity always hashes to the same shard, which
// preserves per-entity arrival order without a global pipeline lock.
type Bus struct {
	perEntityBuffer int
	shards          []*shard
	consumer        Consumer
	onDrop          DropFunc
	dedupe          *lru.Cache[string, bool]
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu       sync.Mutex
	entities map[string]*entityQueue
	stopped  bool
	wg       sync.WaitGroup
}

type entityQueue struct {
	entity    string
	signals   []*model.Signal
	scheduled bool
}

type shard struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*entityQueue
	stopped bool
}

// New creates a bus delivering to consumer. Dropped signals are reported
// through onDrop, which may be nil.
func New(perEntityBuffer, shardCount int, consumer Consumer, onDrop DropFunc, m *metrics.Metrics, logger *slog.Logger) *Bus {
	dedupe, _ := lru.New[string, bool](100000)

	b := &Bus{
		perEntityBuffer: perEntityBuffer,
		shards:          make([]*shard, shardCount),
		consumer:        consumer,
		onDrop:          onDrop,
		dedupe:          dedupe,
		metrics:         m,
		logger:          logger,
		entities:        make(map[string]*entityQueue),
	}
	for i := range b.shards {
		s := &shard{}
		s.cond = sync.NewCond(&s.mu)
		b.shards[i] = s
	}
	return b
}

// Start launches one worker per shard.
func (b *Bus) Start() {
	for _, s := range b.shards {
		b.wg.Add(1)
		go b.runShard(s)
	}
}

// Stop wakes all shard workers and waits for them to exit. Buffered signals
// that have not been consumed are discarded.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	for _, s := range b.shards {
		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	b.wg.Wait()
}

// Ingest validates and accepts a signal. Returns nil when the signal was
// accepted, ErrDuplicateSignal or a MalformedSignalError otherwise.
func (b *Bus) Ingest(sig *model.Signal) error {
	if err := validate(sig); err != nil {
		b.metrics.SignalsRejected.Inc()
		b.logger.Warn("Signal rejected", "error", err)
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errors.New("bus stopped")
	}
	if _, seen := b.dedupe.Get(sig.ID); seen {
		b.mu.Unlock()
		b.metrics.SignalsRejected.Inc()
		return ErrDuplicateSignal
	}
	b.dedupe.Add(sig.ID, true)

	q, ok := b.entities[sig.SourceEntity]
	if !ok {
		q = &entityQueue{entity: sig.SourceEntity}
		b.entities[sig.SourceEntity] = q
	}

	var dropped *model.Signal
	if len(q.signals) >= b.perEntityBuffer {
		dropped = q.signals[0]
		q.signals = q.signals[1:]
	}
	q.signals = append(q.signals, sig)

	schedule := !q.scheduled
	q.scheduled = true
	b.mu.Unlock()

	if dropped != nil {
		b.metrics.SignalsDropped.Inc()
		b.logger.Warn("Signal dropped under backpressure",
			"signal_id", dropped.ID,
			"source_entity", dropped.SourceEntity)
		if b.onDrop != nil {
			b.onDrop(dropped)
		}
	}

	if schedule {
		s := b.shardFor(sig.SourceEntity)
		s.mu.Lock()
		s.ready = append(s.ready, q)
		s.cond.Signal()
		s.mu.Unlock()
	}

	b.metrics.SignalsAccepted.Inc()
	return nil
}

func (b *Bus) shardFor(entity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entity))
	return b.shards[int(h.Sum32())%len(b.shards)]
}

// runShard drains ready entity queues one signal at a time, re-queuing
// non-empty entities behind the others so no single entity starves the rest.
func (b *Bus) runShard(s *shard) {
	defer b.wg.Done()

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		q := s.ready[0]
		s.ready = s.ready[1:]
		s.mu.Unlock()

		b.mu.Lock()
		var sig *model.Signal
		if len(q.signals) > 0 {
			sig = q.signals[0]
			q.signals = q.signals[1:]
		}
		remaining := len(q.signals) > 0
		if !remaining {
			q.scheduled = false
		}
		b.mu.Unlock()

		if sig != nil {
			b.consumer.OnSignal(sig)
		}

		if remaining {
			s.mu.Lock()
			s.ready = append(s.ready, q)
			s.mu.Unlock()
		}
	}
}

// Depth reports the number of buffered, unconsumed signals.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	depth := 0
	for _, q := range b.entities {
		depth += len(q.signals)
	}
	return depth
}

func validate(sig *model.Signal) error {
	if sig == nil {
		return &MalformedSignalError{Reason: "nil signal"}
	}
	if sig.ID == "" {
		return &MalformedSignalError{Reason: "missing id"}
	}
	if sig.SourceEntity == "" {
		return &MalformedSignalError{Reason: "missing source entity"}
	}
	if sig.Kind == "" {
		return &MalformedSignalError{Reason: "missing kind"}
	}
	// NaN compares false against both bounds, so test it explicitly.
	if math.IsNaN(sig.Confidence) || sig.Confidence < 0.0 || sig.Confidence > 1.0 {
		return &MalformedSignalError{Reason: fmt.Sprintf("confidence %v outside [0,1]", sig.Confidence)}
	}
	if sig.Timestamp.IsZero() {
		return &MalformedSignalError{Reason: "missing timestamp"}
	}
	return nil
}
