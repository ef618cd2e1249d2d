// Package notify consumes envelope events and turns them into outbound
// notifications, deduplicating on event id so the at-least-once pipeline
// never mails anyone twice.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// ProcessedEvent is the dedupe record for one consumed envelope event.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Aggregate   string
	AggregateID string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	LastError   sql.NullString
	ProcessedAt sql.NullTime
	UpdatedAt   time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// StartProcessing claims the event for this delivery attempt. It returns
// false when a previous delivery already finished, which is the redelivery
// case to skip silently.
func (s *Store) StartProcessing(ctx context.Context, e ProcessedEvent) (bool, error) {
	const q = `
INSERT INTO processed_events (event_id, event_type, aggregate, aggregate_id, payload, status, attempts, updated_at)
VALUES ($1, $2, $3, $4, $5, 'processing', 1, now())
ON CONFLICT (event_id) DO UPDATE
SET attempts = processed_events.attempts + 1,
    updated_at = now()
RETURNING status;
`
	var status string
	err := s.db.QueryRowContext(ctx, q, e.EventID, e.EventType, e.Aggregate, e.AggregateID, e.Payload).Scan(&status)
	if err != nil {
		return false, err
	}

	// The upsert bumps attempts but never downgrades 'done'; seeing it here
	// means the notification already went out.
	return status != "done", nil
}

func (s *Store) MarkDone(ctx context.Context, eventID string) error {
	const q = `
UPDATE processed_events
SET status = 'done', processed_at = now(), last_error = NULL, updated_at = now()
WHERE event_id = $1;
`
	_, err := s.db.ExecContext(ctx, q, eventID)
	return err
}

// MarkFailed keeps the row in 'processing' with the error recorded, so the
// next Kafka redelivery retries it.
func (s *Store) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	const q = `
UPDATE processed_events
SET status = 'processing', last_error = $2, updated_at = now()
WHERE event_id = $1;
`
	_, err := s.db.ExecContext(ctx, q, eventID, errMsg)
	return err
}
