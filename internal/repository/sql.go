package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlOperationTimeout = 5 * time.Second

type sqlDialect struct {
	driver     string
	serial     string
	drainLock  string
	positional bool
}

var (
	sqliteDialect   = sqlDialect{driver: "sqlite3", serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = sqlDialect{driver: "postgres", serial: "BIGSERIAL PRIMARY KEY", drainLock: " FOR UPDATE SKIP LOCKED", positional: true}
)

// SQLStore keeps the queue, locks and state in four tables of a SQLite file or Postgres database.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	tables  sqlTables
	now     func() time.Time
}

type sqlTables struct {
	queue, locks, state, deadLetters string
}

// NewSQLiteStore opens (and creates) a SQLite database file.
func NewSQLiteStore(path, prefix string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open(sqliteDialect.driver, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect, prefix)
}

func NewPostgresStore(dsn, prefix string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLStore(db, postgresDialect, prefix)
}

func newSQLStore(db *sql.DB, dialect sqlDialect, prefix string) (*SQLStore, error) {
	name := sanitizeIdentifier(prefix)
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		tables: sqlTables{
			queue:       quoteIdentifier(name + "_queue"),
			locks:       quoteIdentifier(name + "_locks"),
			state:       quoteIdentifier(name + "_state"),
			deadLetters: quoteIdentifier(name + "_dead_letters"),
		},
		now: time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq %s,
			dedup_key TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL
		)`, s.tables.queue, s.dialect.serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			lock_key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, s.tables.locks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, s.tables.state),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq %s,
			payload TEXT NOT NULL,
			failed_at BIGINT NOT NULL
		)`, s.tables.deadLetters, s.dialect.serial),
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error) {
	var res models.EnqueueResult
	query := s.rebind(fmt.Sprintf(
		"INSERT INTO %s (dedup_key, payload, enqueued_at) VALUES (?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING",
		s.tables.queue))

	for _, job := range jobs {
		if job.DedupKey == "" {
			res.Skipped++
			continue
		}
		job = stampJob(job, s.now())
		payload, err := json.Marshal(job)
		if err != nil {
			return res, fmt.Errorf("failed to marshal job: %w", err)
		}
		result, err := s.db.ExecContext(ctx, query, job.DedupKey, string(payload), job.EnqueuedAt.UnixMilli())
		if err != nil {
			return res, fmt.Errorf("failed to enqueue job: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to enqueue job: %w", err)
		}
		if n == 1 {
			res.Enqueued++
		} else {
			res.Deduped++
		}
	}
	return res, nil
}

func (s *SQLStore) Drain(ctx context.Context, max int) (jobs []models.Job, err error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, s.rebind(fmt.Sprintf(
		"SELECT seq, payload FROM %s ORDER BY seq ASC LIMIT ?%s", s.tables.queue, s.dialect.drainLock)), max)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	var seqs []int64
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		seqs = append(seqs, seq)
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	deleteQuery := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE seq = ?", s.tables.queue))
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, deleteQuery, seq); err != nil {
			return nil, fmt.Errorf("failed to remove drained job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return jobs, nil
}

func (s *SQLStore) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.tables.queue)).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// AcquireLock inserts the lock row or takes over an expired one in a single statement.
func (s *SQLStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	now := s.now()
	token := uuid.NewString()
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (lock_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE %[1]s.expires_at <= ?`, s.tables.locks))

	result, err := s.db.ExecContext(ctx, query, key, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	return token, nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx,
		s.rebind(fmt.Sprintf("DELETE FROM %s WHERE lock_key = ? AND token = ?", s.tables.locks)), key, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) PushDeadLetter(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(fmt.Sprintf("INSERT INTO %s (payload, failed_at) VALUES (?, ?)", s.tables.deadLetters)),
		string(payload), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(fmt.Sprintf("SELECT value, expires_at FROM %s WHERE state_key = ?", s.tables.state)), key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if expiresAt > 0 && expiresAt <= s.now().UnixMilli() {
		return nil, domain.ErrNotFound
	}
	return []byte(value), nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (state_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.tables.state))
	if _, err := s.db.ExecContext(ctx, query, key, string(value), expiresAt); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(fmt.Sprintf("DELETE FROM %s WHERE state_key = ?", s.tables.state)), key); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	query := s.rebind(fmt.Sprintf(
		"SELECT state_key, value FROM %s WHERE substr(state_key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)",
		s.tables.state))
	rows, err := s.db.QueryContext(ctx, query, len(prefix), prefix, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out[key] = []byte(value)
	}
	return out, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "syncbridge"
	}
	return b.String()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

var _ domain.Store = (*SQLStore)(nil)
