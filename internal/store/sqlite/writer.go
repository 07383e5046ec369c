package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"wrapped-oracle/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/oracle.db"
}

// Writer owns the single write connection. It persists oracle state and
// allow-list membership synchronously and journals events in batches.
type Writer struct {
	db *sql.DB

	// OnBatch, when set, is called after each journal commit.
	OnBatch func(n int, took time.Duration, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS oracle_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       TEXT    NOT NULL,
			saved_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS permissions (
			account    TEXT    PRIMARY KEY,
			allowed    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			caller     TEXT    NOT NULL,
			idx        TEXT,
			data       TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS events_kind_id ON events (kind, id);
	`)
	return err
}

// SaveState replaces the stored oracle state in one transaction.
func (w *Writer) SaveState(ctx context.Context, st *model.OracleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO oracle_state (id, data, saved_at) VALUES (1, ?, ?)`,
		string(data), st.SavedAt.Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite save state: %w", err)
	}
	return tx.Commit()
}

// LoadState returns the stored state, or nil if none has been saved.
func (w *Writer) LoadState(ctx context.Context) (*model.OracleState, error) {
	return loadState(ctx, w.db)
}

func loadState(ctx context.Context, db *sql.DB) (*model.OracleState, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM oracle_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read state: %w", err)
	}
	var st model.OracleState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// SavePermission upserts one allow-list row.
func (w *Writer) SavePermission(ctx context.Context, account common.Address, allowed bool) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO permissions (account, allowed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET allowed = excluded.allowed, updated_at = excluded.updated_at
	`, account.Hex(), allowed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite save permission: %w", err)
	}
	return nil
}

// LoadPermissions returns every persisted row, revoked accounts included.
func (w *Writer) LoadPermissions(ctx context.Context) (map[common.Address]bool, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT account, allowed FROM permissions`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]bool)
	for rows.Next() {
		var (
			hex     string
			allowed bool
		)
		if err := rows.Scan(&hex, &allowed); err != nil {
			return nil, fmt.Errorf("sqlite scan permissions: %w", err)
		}
		out[common.HexToAddress(hex)] = allowed
	}
	return out, rows.Err()
}

// Run journals events from eventCh in batched transactions.
// Flushes every batchSize events OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or eventCh is closed.
func (w *Writer) Run(ctx context.Context, eventCh <-chan model.Event) {
	batch := make([]model.Event, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := w.InsertEvents(batch)
		if err != nil {
			log.Printf("[sqlite] event batch insert error: %v", err)
		}
		if w.OnBatch != nil {
			w.OnBatch(len(batch), time.Since(start), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-eventCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertEvents appends events to the journal in a single transaction.
func (w *Writer) InsertEvents(events []model.Event) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO events (kind, ts, caller, idx, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal event: %w", err)
		}
		var idx sql.NullString
		if ev.Kind == model.EventUpdatePosted || ev.Kind == model.EventIndexAlert {
			idx = sql.NullString{String: ev.Index.Dec(), Valid: true}
		}
		if _, err := stmt.Exec(string(ev.Kind), ev.TS.UnixNano(), ev.Caller.Hex(), idx, string(data)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
