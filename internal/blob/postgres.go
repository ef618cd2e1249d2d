package blob

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := Key(data)

	// Same key means same bytes, so conflicts are safe to ignore.
	const q = `
INSERT INTO documents (key, content, content_type, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO NOTHING;
`
	if _, err := s.db.ExecContext(ctx, q, key, data, contentType); err != nil {
		return "", err
	}
	return key, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	const q = `
SELECT content, content_type
FROM documents
WHERE key = $1;
`
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&data, &contentType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, contentType, nil
}
