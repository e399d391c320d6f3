// Package respond executes chosen response actions through pluggable
// handler capabilities, off the hot ingestion path.
package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bastionsec/bastion/internal/metrics"
	"github.com/bastionsec/bastion/internal/model"
)

// Handler is the external action capability for one response variant. The
// idempotency key (the action id) lets handlers guard against double
// application when a Failed dispatch is retried.
type Handler interface {
	Apply(ctx context.Context, action *model.ResponseAction, idempotencyKey string) model.Outcome
}

// OutcomeFunc observes the terminal outcome of every dispatch.
type OutcomeFunc func(action *model.ResponseAction, outcome model.Outcome)

// ErrQueueFull rejects an enqueue when the dispatch queue is at capacity.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrStopped rejects an enqueue after shutdown.
var ErrStopped = errors.New("orchestrator stopped")

// Orchestrator owns the bounded dispatch queue and the retry policy.
// Handlers may block or be slow; workers isolate that from ingestion, and
// Saturated feeds backpressure to the policy engine.
type Orchestrator struct {
	handlers    map[model.ActionKind]Handler
	queue       chan *model.ResponseAction
	workerCount int
	maxRetries  int
	baseBackoff time.Duration
	onOutcome   OutcomeFunc
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. onOutcome may be nil.
func New(queueSize, workers, maxRetries int, baseBackoff time.Duration,
	onOutcome OutcomeFunc, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {

	return &Orchestrator{
		handlers:    make(map[model.ActionKind]Handler),
		queue:       make(chan *model.ResponseAction, queueSize),
		workerCount: workers,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		onOutcome:   onOutcome,
		metrics:     m,
		logger:      logger,
	}
}

// SetOutcomeFunc installs the completion callback. Must be called before
// Start; the engine enqueues through this orchestrator, and the pipeline
// owning the engine registers itself here once constructed.
func (o *Orchestrator) SetOutcomeFunc(fn OutcomeFunc) {
	o.onOutcome = fn
}

// Register installs the handler for an action variant. Must be called
// before Start.
func (o *Orchestrator) Register(kind model.ActionKind, h Handler) {
	o.handlers[kind] = h
}

// Start launches the dispatch workers.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	for i := 0; i < o.workerCount; i++ {
		o.wg.Add(1)
		go o.runWorker(ctx)
	}
}

// Stop drains nothing: queued actions not yet picked up are abandoned, and
// in-flight dispatches finish their current attempt.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	close(o.queue)
	o.wg.Wait()
}

// Enqueue queues an action for dispatch without blocking the caller.
func (o *Orchestrator) Enqueue(action *model.ResponseAction) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.mu.Unlock()

	select {
	case o.queue <- action:
		o.metrics.DispatchQueueDepth.Set(float64(len(o.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Saturated reports whether the queue is nearly full. The policy engine
// prefers Alert over costlier actions while this holds.
func (o *Orchestrator) Saturated() bool {
	return len(o.queue) >= cap(o.queue)*3/4
}

// QueueDepth reports the current number of queued actions.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	defer o.wg.Done()
	for action := range o.queue {
		o.metrics.DispatchQueueDepth.Set(float64(len(o.queue)))
		outcome := o.dispatch(ctx, action)
		if o.onOutcome != nil {
			o.onOutcome(action, outcome)
		}
	}
}

// dispatch applies the action with bounded retries and exponential backoff.
// Every attempt carries the action id as its idempotency key, so a retry
// after a transient failure never double-applies side effects.
func (o *Orchestrator) dispatch(ctx context.Context, action *model.ResponseAction) model.Outcome {
	handler, ok := o.handlers[action.Kind]
	if !ok {
		o.metrics.DispatchFailures.Inc()
		return model.Outcome{
			Status:   model.OutcomeFailed,
			Reason:   fmt.Sprintf("no handler registered for %s", action.Kind.String()),
			Attempts: 0,
		}
	}

	backoff := o.baseBackoff
	var last model.Outcome
	for attempt := 1; attempt <= o.maxRetries+1; attempt++ {
		last = handler.Apply(ctx, action, action.ID)
		last.Attempts = attempt

		if last.Status != model.OutcomeFailed {
			o.logger.Info("Action applied",
				"action_id", action.ID,
				"incident_id", action.IncidentID,
				"kind", action.Kind.String(),
				"status", string(last.Status),
				"attempts", attempt)
			return last
		}

		if attempt <= o.maxRetries {
			o.logger.Warn("Action dispatch failed, retrying",
				"action_id", action.ID,
				"kind", action.Kind.String(),
				"attempt", attempt,
				"reason", last.Reason)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				last.Reason = "orchestrator stopped during retry"
				return last
			}
			backoff *= 2
		}
	}

	o.metrics.DispatchFailures.Inc()
	o.logger.Error("Action dispatch failed terminally",
		"action_id", action.ID,
		"incident_id", action.IncidentID,
		"kind", action.Kind.String(),
		"attempts", last.Attempts,
		"reason", last.Reason)
	return last
}
