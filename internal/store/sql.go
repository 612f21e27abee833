package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

const provisionTimeout = 5 * time.Second

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS kvstore (id TEXT PRIMARY KEY, value TEXT)`
	selectSQL      = `SELECT value FROM kvstore WHERE id = ?`
	upsertSQL      = `INSERT INTO kvstore (id, value) VALUES (?, ?)
	ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value`
	deleteSQL = `DELETE FROM kvstore WHERE id = ?`
)

// dialect captures the few differences between supported databases.
type dialect struct {
	name     string
	driver   string
	dollar   bool // $1-style placeholders instead of ?
	maxConns int  // 0 means database/sql default
}

var (
	postgresDialect = dialect{name: "postgres", driver: "pgx", dollar: true}
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", maxConns: 1}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseDatabaseURL picks a dialect and driver DSN for url.
func parseDatabaseURL(url string) (dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgresDialect, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqliteDialect, strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "file:"):
		return sqliteDialect, url, nil
	default:
		return dialect{}, "", fmt.Errorf("unsupported database url scheme in %q", redactURL(url))
	}
}

// SQLStore persists each record as a row in a two-column table. The database
// is the source of truth; there is no in-process cache and no locking beyond
// what the database provides per statement.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	provisioned atomic.Bool
	provisionMu sync.Mutex

	selectQ, upsertQ, deleteQ string
}

// Compile-time check to ensure SQLStore implements kv.Store.
var _ kv.Store = (*SQLStore)(nil)

// OpenSQL prepares a relational store for url and provisions its table.
// An empty url returns a store in degraded mode where every operation fails
// with kv.ErrUnavailable. A database that cannot be reached is logged and
// retried lazily on the next operation. Only an unusable url is an error.
func OpenSQL(ctx context.Context, url string) (*SQLStore, error) {
	s := &SQLStore{}
	if url == "" {
		logger.Warn("no database url configured, relational store is unavailable")
		return s, nil
	}

	d, dsn, err := parseDatabaseURL(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}

	s.db = db
	s.dialect = d
	s.selectQ = d.rebind(selectSQL)
	s.upsertQ = d.rebind(upsertSQL)
	s.deleteQ = d.rebind(deleteSQL)

	if err := s.provision(ctx); err != nil {
		logger.WithError(err).WithField("dialect", d.name).Error("table provisioning failed, starting degraded")
	}
	return s, nil
}

// provision creates the table if needed. Successful provisioning is
// remembered; failures are retried by the next caller.
func (s *SQLStore) provision(ctx context.Context) error {
	if s.db == nil {
		return kv.ErrUnavailable
	}
	if s.provisioned.Load() {
		return nil
	}

	s.provisionMu.Lock()
	defer s.provisionMu.Unlock()
	if s.provisioned.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("%w: ensuring table: %w", kv.ErrUnavailable, err)
	}
	s.provisioned.Store(true)
	logger.WithField("dialect", s.dialect.name).Info("kvstore table ready")
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*string, error) {
	if err := s.provision(ctx); err != nil {
		return nil, err
	}

	var v sql.NullString
	err := s.db.QueryRowContext(ctx, s.selectQ, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select %q: %w", kv.ErrBackendFailed, id, err)
	}
	if !v.Valid {
		return nil, nil
	}
	return &v.String, nil
}

// Set is a single upsert statement, so concurrent writers to the same id
// are resolved by the database.
func (s *SQLStore) Set(ctx context.Context, id string, value *string) error {
	if err := s.provision(ctx); err != nil {
		return err
	}

	var v sql.NullString
	if value != nil {
		v = sql.NullString{String: *value, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQ, id, v); err != nil {
		return fmt.Errorf("%w: upsert %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

// Delete does not check the affected row count.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.provision(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.deleteQ, id); err != nil {
		return fmt.Errorf("%w: delete %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

// Ready reports whether the table is provisioned and the database answers.
func (s *SQLStore) Ready(ctx context.Context) bool {
	if err := s.provision(ctx); err != nil {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// redactURL hides the password of a connection url for logging.
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return url[:scheme+3] + creds[:colon] + ":***" + url[at:]
	}
	return url
}
