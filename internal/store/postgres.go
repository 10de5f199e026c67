package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (s *PostgresLedger) DB() *sql.DB {
	return s.db
}

func (s *PostgresLedger) Record(ctx context.Context, rec LedgerRecord) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("encode ledger files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submission_ledger (id, kind, folder, files, replicated, attempts, last_error, received_at, replicated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, string(rec.Kind), rec.Folder, files, rec.Replicated, rec.Attempts, rec.LastError, rec.ReceivedAt, rec.ReplicatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

func (s *PostgresLedger) ListPending(ctx context.Context, limit int) ([]LedgerRecord, error) {
	if limit <= 0 {
		limit = 25
	}
	const query = `
		SELECT id, kind, folder, files, attempts, last_error, received_at
		FROM submission_ledger
		WHERE replicated = FALSE AND abandoned = FALSE
		ORDER BY received_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending ledger records: %w", err)
	}
	defer rows.Close()

	items := make([]LedgerRecord, 0)
	for rows.Next() {
		var (
			rec   LedgerRecord
			kind  string
			files []byte
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Folder, &files, &rec.Attempts, &rec.LastError, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		rec.Kind = Kind(kind)
		if err := json.Unmarshal(files, &rec.Files); err != nil {
			return nil, fmt.Errorf("decode ledger files for %s: %w", rec.ID, err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *PostgresLedger) MarkReplicated(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submission_ledger
		SET replicated = TRUE, replicated_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark ledger record replicated: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresLedger) MarkFailed(ctx context.Context, id, reason string, abandon bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submission_ledger
		SET attempts = attempts + 1, last_error = $2, abandoned = abandoned OR $3
		WHERE id = $1
	`, id, reason, abandon)
	if err != nil {
		return fmt.Errorf("mark ledger record failed: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return nil
}
