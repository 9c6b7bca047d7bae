package manifest

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Index stores records in a SQLite database so converted messages can be
// looked up by hash or output path.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the database at path and applies the schema.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Record upserts rec; converting the same message twice in one run keeps the
// last path.
func (i *Index) Record(rec Record) error {
	var messageID sql.NullString
	if rec.MessageID != "" {
		messageID = sql.NullString{String: rec.MessageID, Valid: true}
	}

	_, err := i.db.Exec(`
		INSERT INTO conversions (run_id, idx, message_id, hash, path, attachments, converted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET
			message_id = excluded.message_id,
			hash = excluded.hash,
			path = excluded.path,
			attachments = excluded.attachments,
			converted_at = excluded.converted_at
	`, rec.RunID, rec.Index, messageID, rec.Hash, rec.Path, rec.Attachments, rec.ConvertedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("index message %d: %w", rec.Index, err)
	}
	return nil
}

// ByHash returns every record of a message, across runs, oldest first.
func (i *Index) ByHash(ctx context.Context, hash string) ([]Record, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT run_id, idx, message_id, hash, path, attachments, converted_at
		FROM conversions
		WHERE hash = ?
		ORDER BY converted_at, run_id, idx
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			messageID sql.NullString
			converted string
		)
		if err := rows.Scan(&rec.RunID, &rec.Index, &messageID, &rec.Hash, &rec.Path, &rec.Attachments, &converted); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		rec.MessageID = messageID.String
		rec.ConvertedAt, err = time.Parse(time.RFC3339Nano, converted)
		if err != nil {
			return nil, fmt.Errorf("parse converted_at %q: %w", converted, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records of a run.
func (i *Index) Count(ctx context.Context, runID string) (int, error) {
	var n int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversions WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count index rows: %w", err)
	}
	return n, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}
