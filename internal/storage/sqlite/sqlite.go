package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/georgeshao/inference-gate/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a storage.Store on a shared SQLite file. Several processes on
// the same host may open the same file; write transactions take the database
// lock up front so read-modify-write operations stay atomic across them.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

func New(dbPath string, opts ...Option) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for concurrent readers, immediate transactions so IncrBy holds the
	// write lock between its read and its write.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// SetNX inserts the row, or overwrites it only when the existing row has
// expired. The conditional upsert is one statement, so it is atomic.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE kv.expires_at != 0 AND kv.expires_at <= ?`,
		key, value, s.expiry(ttl), s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set key if absent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Del(ctx context.Context, keys ...string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	var deleted int64
	for _, key := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, key, now)
		if err != nil {
			return 0, fmt.Errorf("failed to delete key: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n

		res, err = tx.ExecContext(ctx, `DELETE FROM zset WHERE key = ?`, key)
		if err != nil {
			return 0, fmt.Errorf("failed to delete sorted set: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

func (s *SQLiteStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		raw       string
		expiresAt int64
		next      int64
	)
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&raw, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && expiresAt != 0 && expiresAt <= s.now().UnixNano()):
		next = delta
		expiresAt = s.expiry(ttl)
	case err != nil:
		return 0, fmt.Errorf("failed to read counter: %w", err)
	default:
		current, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return 0, storage.ErrNotInteger
		}
		next = current + delta
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, strconv.FormatInt(next, 10), expiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zset (key, member, score) VALUES (?, ?, ?)
		 ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("failed to add sorted set member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ZRangeByScore(ctx context.Context, key string, offset, limit int) ([]storage.ZMember, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT member, score FROM zset WHERE key = ? ORDER BY score ASC, member ASC LIMIT ? OFFSET ?`,
		key, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to range sorted set: %w", err)
	}
	defer rows.Close()

	var members []storage.ZMember
	for rows.Next() {
		var m storage.ZMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan sorted set member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		`SELECT score FROM zset WHERE key = ? AND member = ?`, key, member,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get score: %w", err)
	}
	return score, true, nil
}

func (s *SQLiteStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var removed int64
	for _, member := range members {
		res, err := tx.ExecContext(ctx, `DELETE FROM zset WHERE key = ? AND member = ?`, key, member)
		if err != nil {
			return 0, fmt.Errorf("failed to remove sorted set member: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zset WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sorted set: %w", err)
	}
	return n, nil
}

// Purge deletes expired rows. Expired rows are already invisible to readers;
// this only reclaims space.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return res.RowsAffected()
}
