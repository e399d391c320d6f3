package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bastionsec/bastion/internal/bus"
)

// Subscriber consumes raw signals from a NATS subject and pushes them onto
// the signal bus. Multiple daemon replicas share load through a queue group.
type Subscriber struct {
	nc      *nats.Conn
	bus     *bus.Bus
	decoder *Decoder
	subject string
	queue   string
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a subscriber delivering to b.
func NewSubscriber(nc *nats.Conn, b *bus.Bus, decoder *Decoder, subject, queue string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:      nc,
		bus:     b,
		decoder: decoder,
		subject: subject,
		queue:   queue,
		logger:  logger,
	}
}

// Subscribe starts consuming and blocks until ctx is cancelled, then drains
// the subscription so in-flight messages finish before shutdown.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to signals", "subject", s.subject, "error", err)
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to signals", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()

	if err := s.sub.Drain(); err != nil {
		s.logger.Error("Failed to drain signal subscription", "error", err)
		return err
	}

	// Drain completes asynchronously; give in-flight handlers a moment.
	deadline := time.Now().Add(2 * time.Second)
	for s.sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	sig, err := s.decoder.Decode(msg.Data)
	if err != nil {
		s.logger.Warn("Discarding malformed signal payload",
			"subject", msg.Subject,
			"error", err)
		return
	}

	if err := s.bus.Ingest(sig); err != nil {
		// Duplicates and malformed signals are already counted by the bus.
		s.logger.Debug("Signal not accepted", "signal_id", sig.ID, "error", err)
	}
}
