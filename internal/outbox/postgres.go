package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/k1networth/signdesk-lite/internal/shared/events"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// InsertTx enqueues a message inside the caller's transaction so the event
// only exists if the state change it describes committed.
func InsertTx(ctx context.Context, tx *sql.Tx, msg events.Message) error {
	const q = `
INSERT INTO outbox (event_id, aggregate, aggregate_id, event_type, payload, status, attempts, created_at, next_retry_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6);
`
	_, err := tx.ExecContext(ctx, q,
		msg.EventID, msg.Aggregate, msg.AggregateID, msg.EventType, []byte(msg.Payload), msg.OccurredAt,
	)
	return err
}

func (r *PostgresRepo) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
WITH cte AS (
  SELECT id
  FROM outbox
  WHERE status = 'pending'
    AND next_retry_at <= now()
  ORDER BY created_at
  FOR UPDATE SKIP LOCKED
  LIMIT $1
)
UPDATE outbox o
SET status = 'processing',
    processing_started_at = now(),
    attempts = o.attempts + 1
FROM cte
WHERE o.id = cte.id
RETURNING o.id, o.event_id, o.aggregate, o.aggregate_id, o.event_type, o.payload,
          o.created_at, o.attempts, o.processing_started_at;
`

	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.Aggregate,
			&rec.AggregateID,
			&rec.EventType,
			&payload,
			&rec.CreatedAt,
			&rec.Attempts,
			&rec.ProcessingStartedAt,
		); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) MarkSent(ctx context.Context, id int64) error {
	const q = `
UPDATE outbox
SET status = 'sent', sent_at = now(), processing_started_at = NULL, last_error = NULL
WHERE id = $1;
`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// MarkFailed requeues the row with a retry delay, or moves it to 'dead'
// once maxAttempts is exhausted.
func (r *PostgresRepo) MarkFailed(ctx context.Context, id int64, attempts, maxAttempts int, errMsg string) error {
	if maxAttempts > 0 && attempts >= maxAttempts {
		const q = `
UPDATE outbox
SET status = 'dead', processing_started_at = NULL, last_error = $2
WHERE id = $1;
`
		_, err := r.db.ExecContext(ctx, q, id, errMsg)
		return err
	}

	backoff := time.Duration(attempts) * 2 * time.Second
	if backoff > 2*time.Minute {
		backoff = 2 * time.Minute
	}
	const q = `
UPDATE outbox
SET status = 'pending', processing_started_at = NULL, next_retry_at = $2, last_error = $3
WHERE id = $1;
`
	_, err := r.db.ExecContext(ctx, q, id, time.Now().UTC().Add(backoff), errMsg)
	return err
}

func (r *PostgresRepo) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	threshold := time.Now().UTC().Add(-timeout)
	const q = `
UPDATE outbox
SET status = 'pending', processing_started_at = NULL, next_retry_at = now(), last_error = 'processing timeout'
WHERE status = 'processing' AND processing_started_at < $1;
`
	res, err := r.db.ExecContext(ctx, q, threshold)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
