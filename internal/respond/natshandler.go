package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/bastionsec/bastion/internal/model"
)

// NATSHandler publishes response actions to the enforcement plane over NATS.
// The actual enforcement agents (network isolation, deception network,
// blocking) subscribe per variant on <subjectPrefix>.<kind>.
type NATSHandler struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

// DispatchableKinds lists the action variants that reach the enforcement
// plane. NoAction never dispatches.
func DispatchableKinds() []model.ActionKind {
	return []model.ActionKind{
		model.ActionAlert,
		model.ActionDeceive,
		model.ActionIsolate,
		model.ActionBlock,
	}
}

// NewNATSHandler creates a handler publishing under subjectPrefix.
func NewNATSHandler(nc *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSHandler {
	return &NATSHandler{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

// Apply publishes the action with its idempotency key in the headers so
// downstream agents can discard duplicates.
func (h *NATSHandler) Apply(_ context.Context, action *model.ResponseAction, idempotencyKey string) model.Outcome {
	if h.nc == nil || !h.nc.IsConnected() {
		return model.Outcome{Status: model.OutcomeFailed, Reason: "nats connection unavailable"}
	}

	data, err := json.Marshal(action)
	if err != nil {
		return model.Outcome{Status: model.OutcomeFailed, Reason: fmt.Sprintf("marshal action: %v", err)}
	}

	headers := nats.Header{}
	headers.Set("x-idempotency-key", idempotencyKey)
	headers.Set("x-incident-id", fmt.Sprintf("%d", action.IncidentID))
	headers.Set("x-action-kind", action.Kind.String())

	msg := &nats.Msg{
		Subject: h.subjectPrefix + "." + action.Kind.String(),
		Data:    data,
		Header:  headers,
	}
	if err := h.nc.PublishMsg(msg); err != nil {
		return model.Outcome{Status: model.OutcomeFailed, Reason: fmt.Sprintf("publish action: %v", err)}
	}

	h.logger.Debug("Action published",
		"subject", msg.Subject,
		"action_id", action.ID,
		"target_entity", action.TargetEntity)
	return model.Outcome{Status: model.OutcomeSuccess}
}
