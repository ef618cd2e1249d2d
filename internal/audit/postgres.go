package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

// PostgresLog reads the trail from the audit_events table. Appends go
// through InsertTx so they share the transaction of the state mutation.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog { return &PostgresLog{db: db} }

// InsertTx appends events inside the caller's transaction. The sequence
// number comes from the current maximum for the envelope; the envelope row
// is locked by the caller, so two appends can never race for the same seq.
func InsertTx(ctx context.Context, tx *sql.Tx, events ...Event) error {
	const q = `
INSERT INTO audit_events (id, envelope_id, kind, seq, ts, actor_id, actor_email, actor_ip, user_agent, details)
VALUES ($1, $2, $3,
        (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE envelope_id = $2),
        $4, $5, $6, $7, $8, $9);
`
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q,
			e.ID, e.EnvelopeID, e.Kind, e.Timestamp,
			nullable(e.ActorID), nullable(e.ActorEmail), nullable(e.ActorIP), nullable(e.UserAgent),
			details,
		); err != nil {
			return err
		}
	}
	return nil
}

func (l *PostgresLog) Read(ctx context.Context, envelopeID string) ([]Event, error) {
	const q = `
SELECT id, envelope_id, kind, seq, ts, actor_id, actor_email, actor_ip, user_agent, details
FROM audit_events
WHERE envelope_id = $1
ORDER BY ts, seq;
`
	rows, err := l.db.QueryContext(ctx, q, envelopeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID, actorEmail, actorIP, userAgent sql.NullString
		var details []byte
		if err := rows.Scan(&e.ID, &e.EnvelopeID, &e.Kind, &e.Seq, &e.Timestamp,
			&actorID, &actorEmail, &actorIP, &userAgent, &details); err != nil {
			return nil, err
		}
		e.ActorID = actorID.String
		e.ActorEmail = actorEmail.String
		e.ActorIP = actorIP.String
		e.UserAgent = userAgent.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
