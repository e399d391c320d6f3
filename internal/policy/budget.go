package policy

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bastionsec/bastion/internal/metrics"
)

// Budget is the process-wide response resource counter. Action dispatch
// decrements it by the action's cost; a ticker replenishes it to capacity on
// a fixed interval. The counter never goes negative.
type Budget struct {
	capacity  int64
	remaining atomic.Int64
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewBudget creates a budget starting at full capacity.
func NewBudget(capacity int64, m *metrics.Metrics, logger *slog.Logger) *Budget {
	b := &Budget{
		capacity: capacity,
		metrics:  m,
		logger:   logger,
	}
	b.remaining.Store(capacity)
	m.BudgetRemaining.Set(float64(capacity))
	return b
}

// StartReplenish launches the periodic restore-to-capacity routine.
func (b *Budget) StartReplenish(interval time.Duration) {
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Replenish()
			case <-b.stop:
				return
			}
		}
	}()
}

// StopReplenish stops the replenish routine.
func (b *Budget) StopReplenish() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	<-b.done
	b.stop = nil
}

// TrySpend atomically deducts cost if enough budget remains. Returns false
// without deducting otherwise; the balance never drops below zero.
func (b *Budget) TrySpend(cost int64) bool {
	if cost <= 0 {
		return true
	}
	for {
		current := b.remaining.Load()
		if current < cost {
			return false
		}
		if b.remaining.CompareAndSwap(current, current-cost) {
			b.metrics.BudgetRemaining.Set(float64(current - cost))
			return true
		}
	}
}

// Replenish restores the budget to capacity.
func (b *Budget) Replenish() {
	b.remaining.Store(b.capacity)
	b.metrics.BudgetRemaining.Set(float64(b.capacity))
	b.logger.Debug("Resource budget replenished", "capacity", b.capacity)
}

// Remaining reports the current balance.
func (b *Budget) Remaining() int64 {
	return b.remaining.Load()
}

// Capacity reports the configured maximum.
func (b *Budget) Capacity() int64 {
	return b.capacity
}
