package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

// Reader provides read-only access to SQLite for the API, audits and restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// JournalEntry is one journaled event with its row id.
type JournalEntry struct {
	ID    int64       `json:"id"`
	Event model.Event `json:"event"`
}

// EventQuery filters ReadEvents. Zero values mean "any".
type EventQuery struct {
	Kind     model.EventKind
	BeforeID int64
	Limit    int
}

const maxEventLimit = 1000

// ReadEvents returns journaled events newest first.
func (r *Reader) ReadEvents(ctx context.Context, q EventQuery) ([]JournalEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.BeforeID > 0 {
		where = append(where, "id < ?")
		args = append(args, q.BeforeID)
	}
	limit := q.Limit
	if limit <= 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}
	query := `SELECT id, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e    JournalEntry
			data string
		)
		if err := rows.Scan(&e.ID, &data); err != nil {
			return nil, fmt.Errorf("sqlite scan events: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcceptedIndices returns the last n accepted indices, oldest first.
func (r *Reader) AcceptedIndices(ctx context.Context, n int) ([]fixed.Index, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx FROM (
			SELECT id, idx FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, string(model.EventUpdatePosted), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query accepted indices: %w", err)
	}
	defer rows.Close()

	var out []fixed.Index
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite scan accepted indices: %w", err)
		}
		v, err := fixed.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountEvents returns the number of journaled events of kind.
func (r *Reader) CountEvents(ctx context.Context, kind model.EventKind) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count events: %w", err)
	}
	return n, nil
}

// ReadState loads the persisted oracle state, nil if none.
func (r *Reader) ReadState(ctx context.Context) (*model.OracleState, error) {
	return loadState(ctx, r.db)
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
