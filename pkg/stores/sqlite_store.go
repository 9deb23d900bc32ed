package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/kindle/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	policy ttlPolicy
}

var _ engine.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		policy: newTTLPolicy(cfg.NamespaceTTLs, cfg.Now),
	}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store in one call.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn = "file:" + dsn + "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Put inserts or replaces a record. A ttl of zero applies the namespace default.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, payload json.RawMessage, ttl time.Duration) error {
	if namespace == "" || key == "" {
		return ErrInvalidKey
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	ttl, err := s.policy.effective(namespace, ttl)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO records (namespace, key, payload, ttl, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			payload = excluded.payload,
			ttl = excluded.ttl,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	now := s.policy.now()
	var expiresAt *int64
	if ttl > 0 {
		exp := now.Add(ttl).UnixNano()
		expiresAt = &exp
	}

	_, err = s.db.ExecContext(ctx, query,
		namespace,
		key,
		[]byte(payload),
		int64(ttl),
		now.UnixNano(),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}

	return nil
}

// Get retrieves a live record. Absent and expired records both return engine.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (*engine.Record, error) {
	query := `
		SELECT namespace, key, payload, ttl, created_at
		FROM records
		WHERE namespace = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at >= ?)
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, namespace, key, s.policy.now().UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", namespace, key, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return rec, nil
}

// List returns the live keys of a namespace in key order.
func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]string, error) {
	query := `
		SELECT key
		FROM records
		WHERE namespace = ?
		  AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, s.policy.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return keys, nil
}

// Delete removes a record. Deleting an absent or expired record returns engine.ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE namespace = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at >= ?)`,
		namespace, key, s.policy.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("record %s/%s: %w", namespace, key, engine.ErrNotFound)
	}

	return nil
}

// Search returns live records of one namespace whose key or payload contains query,
// newest first. A limit of zero or less returns every match.
func (s *SQLiteStore) Search(ctx context.Context, namespace, query string, limit int) ([]*engine.Record, error) {
	if limit <= 0 {
		limit = -1
	}

	pattern := "%" + escapeLike(query) + "%"
	stmt := `
		SELECT namespace, key, payload, ttl, created_at
		FROM records
		WHERE namespace = ?
		  AND (expires_at IS NULL OR expires_at >= ?)
		  AND (key LIKE ? ESCAPE '\' OR CAST(payload AS TEXT) LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, key
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, stmt, namespace, s.policy.now().UnixNano(), pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %w", err)
	}
	defer rows.Close()

	records := []*engine.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Counts returns the number of live records per namespace.
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT namespace, COUNT(*)
		FROM records
		WHERE expires_at IS NULL OR expires_at >= ?
		GROUP BY namespace
	`

	rows, err := s.db.QueryContext(ctx, query, s.policy.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ns] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// DeleteExpired deletes all expired records
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at < ?`

	result, err := s.db.ExecContext(ctx, query, s.policy.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*engine.Record, error) {
	var (
		rec       engine.Record
		payload   []byte
		ttl       int64
		createdAt int64
	)
	if err := row.Scan(&rec.Namespace, &rec.Key, &payload, &ttl, &createdAt); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.TTL = time.Duration(ttl)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
