package events

import (
	"encoding/json"
	"time"
)

// Aggregate name used for every envelope-domain event.
const AggregateEnvelope = "envelope"

// Event types published on the envelopes topic.
const (
	TypeSignerInvited     = "envelope.signer_invited"
	TypeSignerReminded    = "envelope.signer_reminded"
	TypeEnvelopeDeclined  = "envelope.declined"
	TypeEnvelopeCompleted = "envelope.completed"
	TypeEnvelopeVoided    = "envelope.voided"
	TypeEnvelopeExpired   = "envelope.expired"
)

// Message is the wire form of one domain event as it travels through the
// outbox and onto Kafka.
type Message struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Aggregate   string          `json:"aggregate"`
	AggregateID string          `json:"aggregate_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// SignerPayload is the payload carried by signer_invited / signer_reminded
// events. Token lets the delivery gateway build the signing link.
type SignerPayload struct {
	EnvelopeID  string `json:"envelope_id"`
	Title       string `json:"title"`
	SignerEmail string `json:"signer_email"`
	SignerName  string `json:"signer_name"`
	Token       string `json:"token"`
}

// EnvelopePayload is the payload for envelope-level events
// (completed, declined, voided, expired).
type EnvelopePayload struct {
	EnvelopeID string `json:"envelope_id"`
	Title      string `json:"title"`
	OwnerID    string `json:"owner_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}
