package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/bastionsec/bastion/internal/bus"
	"github.com/bastionsec/bastion/internal/config"
)

// StartKafka launches the optional Kafka signal source. Sensors that batch
// through a broker land here instead of NATS; both paths feed the same bus
// with the same wire format.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, b *bus.Bus, decoder *Decoder, logger *slog.Logger) {
	if !cfg.Enabled {
		logger.Info("Kafka signal source disabled")
		return
	}
	logger.Info("Kafka signal source enabled",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})

	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Kafka read error", "error", err)
				continue
			}

			sig, err := decoder.Decode(m.Value)
			if err != nil {
				logger.Warn("Discarding malformed signal payload",
					"topic", cfg.Topic,
					"partition", m.Partition,
					"offset", m.Offset,
					"error", err)
				continue
			}
			if err := b.Ingest(sig); err != nil {
				logger.Debug("Signal not accepted", "signal_id", sig.ID, "error", err)
			}
		}
	}()
}
