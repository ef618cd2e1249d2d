package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k1networth/signdesk-lite/internal/shared/events"
)

// Deliverer turns envelope events into outbound notifications. Actual
// transport (mail, webhook) sits behind this service; here the delivery is
// composed and handed to the log-backed sender.
type Deliverer struct {
	Log         *slog.Logger
	FrontendURL string
}

func (d *Deliverer) Deliver(ctx context.Context, msg events.Message) error {
	_ = ctx

	switch msg.EventType {
	case events.TypeSignerInvited, events.TypeSignerReminded:
		var p events.SignerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode signer payload: %w", err)
		}
		d.Log.Info("notify_signer",
			slog.String("event_type", msg.EventType),
			slog.String("envelope_id", p.EnvelopeID),
			slog.String("to", p.SignerEmail),
			slog.String("signer_name", p.SignerName),
			slog.String("title", p.Title),
			slog.String("sign_url", d.signURL(p.Token)),
		)
		return nil

	case events.TypeEnvelopeCompleted, events.TypeEnvelopeDeclined,
		events.TypeEnvelopeVoided, events.TypeEnvelopeExpired:
		var p events.EnvelopePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode envelope payload: %w", err)
		}
		d.Log.Info("notify_owner",
			slog.String("event_type", msg.EventType),
			slog.String("envelope_id", p.EnvelopeID),
			slog.String("owner_id", p.OwnerID),
			slog.String("title", p.Title),
			slog.String("status", p.Status),
			slog.String("reason", p.Reason),
		)
		return nil
	}

	d.Log.Warn("notify_unknown_event", slog.String("event_type", msg.EventType))
	return nil
}

func (d *Deliverer) signURL(token string) string {
	return strings.TrimRight(d.FrontendURL, "/") + "/sign/" + token
}
