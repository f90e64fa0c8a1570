package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/botrix-io/botrix/internal/models"
)

// Store persists terminal pipeline records. Records are append-only and
// may contain duplicates across retried jobs; no uniqueness is assumed.
type Store interface {
	Append(ctx context.Context, record *models.AccountRecord) error
}

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	email             TEXT NOT NULL DEFAULT '',
	username          TEXT NOT NULL DEFAULT '',
	password          TEXT NOT NULL DEFAULT '',
	birthdate         TEXT NOT NULL DEFAULT '',
	verification_code TEXT NOT NULL DEFAULT '',
	account_data      TEXT NOT NULL DEFAULT '',
	success           BOOLEAN NOT NULL DEFAULT 0,
	error_kind        TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL DEFAULT '',
	job_id            TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_job_id ON accounts(job_id);
`

// SQLStore keeps account records in a SQLite database.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore opens (and if needed initializes) the accounts database
// at the given path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	if _, err := db.Exec(accountsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init accounts schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Append inserts one record. Insertion order is the only key.
func (s *SQLStore) Append(ctx context.Context, record *models.AccountRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO accounts
		(email, username, password, birthdate, verification_code, account_data, success, error_kind, message, job_id, created_at)
		VALUES (:email, :username, :password, :birthdate, :verification_code, :account_data, :success, :error_kind, :message, :job_id, :created_at)`
	res, err := s.db.NamedExecContext(ctx, query, record)
	if err != nil {
		return fmt.Errorf("insert account record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// List returns records in insertion order, newest last.
func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]models.AccountRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []models.AccountRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT * FROM accounts ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list account records: %w", err)
	}
	return records, nil
}

// CountByJob returns how many records a job has produced.
func (s *SQLStore) CountByJob(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM accounts WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("count account records: %w", err)
	}
	return count, nil
}

// FileStore appends successful records to a JSON array on disk, the
// export format downstream tooling consumes.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore builds an export store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append rewrites the export file with the record added. Failed runs
// are skipped; the export only carries usable accounts.
func (f *FileStore) Append(_ context.Context, record *models.AccountRecord) error {
	if !record.Success {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var records []models.AccountRecord
	data, err := os.ReadFile(f.path)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse export file: %w", err)
			}
		}
	case os.IsNotExist(err):
		if dir := filepath.Dir(f.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create export dir: %w", err)
			}
		}
	default:
		return fmt.Errorf("read export file: %w", err)
	}

	records = append(records, *record)
	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export file: %w", err)
	}
	if err := os.WriteFile(f.path, out, 0o600); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	return nil
}

type multiStore []Store

// MultiStore fans Append out to several stores; the first error wins
// but every store is attempted.
func MultiStore(stores ...Store) Store {
	return multiStore(stores)
}

func (m multiStore) Append(ctx context.Context, record *models.AccountRecord) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
