package session

import (
	"context"
	"database/sql"
)

// PostgresRepository persists completed sessions and their results.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) RecordCompleted(ctx context.Context, sessionID string, results map[string][]byte, final []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const qInsertSession = `
		INSERT INTO sessions (id, status, final_result, completed_at)
		VALUES ($1, 'shutdown', $2, NOW())
		ON CONFLICT (id) DO UPDATE SET status = 'shutdown', final_result = $2, completed_at = NOW()`
	if _, err := tx.ExecContext(ctx, qInsertSession, sessionID, final); err != nil {
		return err
	}

	const qInsertResult = `INSERT INTO session_results (session_id, user_id, payload) VALUES ($1, $2, $3)`
	for userID, payload := range results {
		if _, err := tx.ExecContext(ctx, qInsertResult, sessionID, userID, payload); err != nil {
			return err
		}
	}

	return tx.Commit()
}
