package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	stateDBName = "state.db"
)

// StateStore implements domain.SnapshotRecordStore and domain.RunHistoryStore
// using a SQLCipher encrypted SQLite database.
type StateStore struct {
	db     *sql.DB
	dbPath string
}

// NewStateStore opens (or creates) the encrypted state database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewStateStore(dataDir string, key []byte) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only surfaces on the first real query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &StateStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *StateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_records (
		environment TEXT PRIMARY KEY,
		last_full_path TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_history (
		run_id TEXT PRIMARY KEY,
		environment TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		canceled INTEGER NOT NULL,
		aborted INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS run_history_env ON run_history (environment, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.SnapshotRecordStore implementation ---

// GetLastFull returns the last full snapshot path for env, or "" when none.
func (s *StateStore) GetLastFull(env string) (string, error) {
	var path string
	err := s.db.QueryRow(`SELECT last_full_path FROM snapshot_records WHERE environment = ?`, env).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return path, err
}

// SetLastFull records path as the last full snapshot of env.
func (s *StateStore) SetLastFull(env, path string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO snapshot_records (environment, last_full_path, updated_at)
		VALUES (?, ?, ?)`,
		env, path, time.Now().Unix())
	return err
}

// SnapshotRecords returns every snapshot record, ordered by environment.
func (s *StateStore) SnapshotRecords() ([]domain.SnapshotRecord, error) {
	rows, err := s.db.Query(`SELECT environment, last_full_path, updated_at FROM snapshot_records ORDER BY environment`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SnapshotRecord
	for rows.Next() {
		var rec domain.SnapshotRecord
		var updated int64
		if err := rows.Scan(&rec.Environment, &rec.LastFullSnapshotPath, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Unix(updated, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- domain.RunHistoryStore implementation ---

// SaveRun stores a run summary, replacing any previous row with the same id.
func (s *StateStore) SaveRun(summary domain.RunSummary) error {
	aborted := 0
	if summary.Aborted {
		aborted = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO run_history
			(run_id, environment, started_at, finished_at, completed, failed, skipped, canceled, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.RunID, summary.Environment,
		summary.StartedAt.UnixMilli(), summary.FinishedAt.UnixMilli(),
		summary.Completed, summary.Failed, summary.Skipped, summary.Canceled, aborted,
	)
	return err
}

// ListRuns returns the most recent runs, newest first. An empty env lists
// every environment; limit <= 0 means no limit.
func (s *StateStore) ListRuns(env string, limit int) ([]domain.RunSummary, error) {
	query := `SELECT run_id, environment, started_at, finished_at, completed, failed, skipped, canceled, aborted
		FROM run_history`
	var args []any
	if env != "" {
		query += ` WHERE environment = ?`
		args = append(args, env)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunSummary
	for rows.Next() {
		var r domain.RunSummary
		var started, finished int64
		var aborted int
		if err := rows.Scan(&r.RunID, &r.Environment, &started, &finished,
			&r.Completed, &r.Failed, &r.Skipped, &r.Canceled, &aborted); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		r.Aborted = aborted != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Path returns the database file path.
func (s *StateStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *StateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure StateStore implements both interfaces.
var _ domain.SnapshotRecordStore = (*StateStore)(nil)
var _ domain.RunHistoryStore = (*StateStore)(nil)
