// bastion-replay publishes recorded signals to the signal subject, for lab
// exercises and load drills. Input is NDJSON or a JSON array of signals.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bastionsec/bastion/internal/model"
)

func main() {
	var (
		natsURL   = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
		subject   = flag.String("subject", "signals.raw", "signal subject to publish to")
		file      = flag.String("file", "", "signal file (NDJSON or JSON array); - for stdin")
		rate      = flag.Duration("rate", 0, "delay between signals (0 publishes as fast as possible)")
		rebase    = flag.Bool("rebase", false, "shift timestamps so the first signal is now")
		logLevelF = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevelF),
	}))

	if *file == "" {
		logger.Error("Missing -file")
		os.Exit(2)
	}

	signals, err := readSignals(*file)
	if err != nil {
		logger.Error("Failed to read signals", "file", *file, "error", err)
		os.Exit(1)
	}
	if len(signals) == 0 {
		logger.Warn("No signals to replay")
		return
	}

	if *rebase {
		offset := time.Now().UTC().Sub(signals[0].Timestamp)
		for _, sig := range signals {
			sig.Timestamp = sig.Timestamp.Add(offset)
		}
	}

	nc, err := nats.Connect(*natsURL, nats.Name("bastion-replay"))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	published := 0
	for _, sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			logger.Warn("Skipping unmarshalable signal", "signal_id", sig.ID, "error", err)
			continue
		}
		if err := nc.Publish(*subject, data); err != nil {
			logger.Error("Failed to publish signal", "signal_id", sig.ID, "error", err)
			os.Exit(1)
		}
		published++
		if *rate > 0 {
			time.Sleep(*rate)
		}
	}

	if err := nc.Flush(); err != nil {
		logger.Error("Failed to flush NATS connection", "error", err)
		os.Exit(1)
	}
	logger.Info("Replay complete", "published", published, "subject", *subject)
}

// readSignals accepts either a JSON array or newline-delimited JSON.
func readSignals(path string) ([]*model.Signal, error) {
	var data []byte
	var err error
	if path == "-" {
		reader := bufio.NewReader(os.Stdin)
		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(reader); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var signals []*model.Signal
		if err := json.Unmarshal(trimmed, &signals); err != nil {
			return nil, err
		}
		return signals, nil
	}

	var signals []*model.Signal
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sig model.Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			return nil, err
		}
		signals = append(signals, &sig)
	}
	return signals, scanner.Err()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
