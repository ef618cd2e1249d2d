// Package audit keeps the append-only record of every state-affecting
// action on an envelope. Entries are ordered by timestamp and a per-envelope
// monotonic sequence number; they are never mutated or deleted.
package audit

import (
	"context"
	"time"
)

// Event kinds.
const (
	KindCreated      = "CREATED"
	KindSent         = "SENT"
	KindViewed       = "VIEWED"
	KindSigned       = "SIGNED"
	KindDeclined     = "DECLINED"
	KindReminderSent = "REMINDER_SENT"
	KindPDFSealed    = "PDF_SEALED"
	KindSealFailed   = "SEAL_FAILED"
	KindCompleted    = "COMPLETED"
	KindExpired      = "EXPIRED"
	KindVoided       = "VOIDED"
)

type Event struct {
	ID         string         `json:"id"`
	EnvelopeID string         `json:"envelope_id"`
	Kind       string         `json:"kind"`
	Seq        int64          `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorEmail string         `json:"actor_email,omitempty"`
	ActorIP    string         `json:"actor_ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Log reads the trail for one envelope. Appends happen inside the envelope
// store's atomic unit, so a status change is never visible without its
// audit entry; a failed append aborts the whole mutation.
type Log interface {
	// Read returns all events for the envelope ordered by (timestamp, seq).
	// Callers may re-read from the beginning at any time.
	Read(ctx context.Context, envelopeID string) ([]Event, error)
}
