package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/outbox"
)

// PostgresStore persists the aggregate in one row: signers and fields live
// in jsonb columns so a mutation is a single row write, and the row lock is
// the envelope's mutual-exclusion scope. Audit entries and outbox messages
// go into their tables inside the same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const envelopeColumns = `
id, owner_id, title, message, signing_mode, status,
source_doc_key, sealed_doc_key, signers, fields,
created_at, updated_at, sent_at, completed_at, voided_at, void_reason, expires_at, version`

func (s *PostgresStore) Create(ctx context.Context, env Envelope, c Change) (Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Envelope{}, err
	}
	defer func() { _ = tx.Rollback() }()

	signers, fields, err := marshalParts(env)
	if err != nil {
		return Envelope{}, err
	}

	const q = `
INSERT INTO envelopes (id, owner_id, title, message, signing_mode, status,
                       source_doc_key, sealed_doc_key, signers, fields,
                       created_at, updated_at, expires_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, 1);
`
	if _, err := tx.ExecContext(ctx, q,
		env.ID, env.OwnerID, env.Title, env.Message, env.SigningMode, env.Status,
		env.SourceDocKey, env.SealedDocKey, signers, fields,
		env.CreatedAt, env.UpdatedAt, env.ExpiresAt,
	); err != nil {
		return Envelope{}, err
	}

	if err := s.commitChange(ctx, tx, c); err != nil {
		return Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return Envelope{}, err
	}
	env.Version = 1
	return env, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Envelope, error) {
	q := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE id = $1;`
	return scanEnvelope(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (Envelope, error) {
	// Tokens live inside the signers jsonb array.
	q := `SELECT ` + envelopeColumns + `
FROM envelopes
WHERE signers @> jsonb_build_array(jsonb_build_object('token', $1::text));`
	return scanEnvelope(s.db.QueryRowContext(ctx, q, token))
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]Envelope, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + envelopeColumns + `
FROM envelopes
WHERE ($1 = '' OR owner_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;`

	rows, err := s.db.QueryContext(ctx, q, f.OwnerID, f.Status, limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	const countQ = `
SELECT COUNT(*) FROM envelopes
WHERE ($1 = '' OR owner_id = $1)
  AND ($2 = '' OR status = $2);`
	if err := s.db.QueryRowContext(ctx, countQ, f.OwnerID, f.Status).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PostgresStore) ListExpireDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id FROM envelopes
WHERE status IN ('DRAFT', 'SENT') AND expires_at < $1
ORDER BY expires_at
LIMIT $2;
`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(env *Envelope) (*Change, error)) (Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Envelope{}, err
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE id = $1 FOR UPDATE;`
	env, err := scanEnvelope(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		return Envelope{}, err
	}

	change, err := mutate(&env)
	if err != nil {
		return Envelope{}, err
	}
	if change == nil {
		return env, nil
	}

	if err := s.writeEnvelope(ctx, tx, &env); err != nil {
		return Envelope{}, err
	}
	if err := s.commitChange(ctx, tx, *change); err != nil {
		return Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (s *PostgresStore) CommitSeal(ctx context.Context, id, sealedKey string, at time.Time, c Change) (Envelope, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Envelope{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// The CAS: only a still-SENT, unsealed envelope takes the artifact.
	const q = `
UPDATE envelopes
SET sealed_doc_key = $2,
    status = 'COMPLETED',
    completed_at = $3,
    updated_at = $3,
    version = version + 1
WHERE id = $1 AND sealed_doc_key IS NULL AND status = 'SENT';
`
	res, err := tx.ExecContext(ctx, q, id, sealedKey, at)
	if err != nil {
		return Envelope{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Envelope{}, false, err
	}
	if n == 0 {
		env, gerr := s.Get(ctx, id)
		return env, false, gerr
	}

	if err := s.commitChange(ctx, tx, c); err != nil {
		return Envelope{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Envelope{}, false, err
	}

	env, err := s.Get(ctx, id)
	return env, true, err
}

func (s *PostgresStore) writeEnvelope(ctx context.Context, tx *sql.Tx, env *Envelope) error {
	signers, fields, err := marshalParts(*env)
	if err != nil {
		return err
	}

	old := env.Version
	env.Version++

	const q = `
UPDATE envelopes
SET title = $2, message = $3, signing_mode = $4, status = $5,
    source_doc_key = $6, sealed_doc_key = NULLIF($7, ''),
    signers = $8, fields = $9,
    updated_at = $10, sent_at = $11, completed_at = $12,
    voided_at = $13, void_reason = NULLIF($14, ''), expires_at = $15,
    version = $16
WHERE id = $1 AND version = $17;
`
	res, err := tx.ExecContext(ctx, q,
		env.ID, env.Title, env.Message, env.SigningMode, env.Status,
		env.SourceDocKey, env.SealedDocKey, signers, fields,
		env.UpdatedAt, env.SentAt, env.CompletedAt,
		env.VoidedAt, env.VoidReason, env.ExpiresAt,
		env.Version, old,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Cannot happen while we hold the row lock, but fail loudly if the
		// version drifted anyway.
		return fmt.Errorf("envelope %s: concurrent modification", env.ID)
	}
	return nil
}

func (s *PostgresStore) commitChange(ctx context.Context, tx *sql.Tx, c Change) error {
	if err := audit.InsertTx(ctx, tx, c.Audit...); err != nil {
		return err
	}
	for _, msg := range c.Events {
		if err := outbox.InsertTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (Envelope, error) {
	var env Envelope
	var message, sealedKey, voidReason sql.NullString
	var sentAt, completedAt, voidedAt sql.NullTime
	var signers, fields []byte

	err := row.Scan(
		&env.ID, &env.OwnerID, &env.Title, &message, &env.SigningMode, &env.Status,
		&env.SourceDocKey, &sealedKey, &signers, &fields,
		&env.CreatedAt, &env.UpdatedAt, &sentAt, &completedAt, &voidedAt, &voidReason,
		&env.ExpiresAt, &env.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, err
	}

	env.Message = message.String
	env.SealedDocKey = sealedKey.String
	env.VoidReason = voidReason.String
	if sentAt.Valid {
		t := sentAt.Time
		env.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		env.CompletedAt = &t
	}
	if voidedAt.Valid {
		t := voidedAt.Time
		env.VoidedAt = &t
	}
	if err := json.Unmarshal(signers, &env.Signers); err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(fields, &env.Fields); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func marshalParts(env Envelope) ([]byte, []byte, error) {
	signers, err := json.Marshal(env.Signers)
	if err != nil {
		return nil, nil, err
	}
	fields, err := json.Marshal(env.Fields)
	if err != nil {
		return nil, nil, err
	}
	return signers, fields, nil
}
