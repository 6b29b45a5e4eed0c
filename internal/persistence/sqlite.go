package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (entries only)
// 1 - Added owner table for primary lease tracking
const currentSchemaVersion = 1

// Driver names registered by the two SQLite implementations.
const (
	DriverCGo  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

var tracer = otel.Tracer("github.com/roach88/docsync/internal/persistence")

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// Driver selects the SQLite implementation. Empty means DriverCGo.
	Driver string

	// ClientID identifies this client as the owner. Empty generates one.
	ClientID string

	Logger *slog.Logger
}

// SQLite is a Backend stored in a single SQLite database file.
type SQLite struct {
	db       *sql.DB
	driver   string
	clientID string
	logger   *slog.Logger
}

// OpenSQLite creates or opens the database at path and claims ownership.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLite, error) {
	if opts.Driver == "" {
		opts.Driver = DriverCGo
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open(opts.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{db: db, driver: opts.Driver, clientID: opts.ClientID, logger: opts.Logger}
	if err := s.claimOwnership(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("opened sqlite persistence", "path", path, "driver", opts.Driver, "client_id", opts.ClientID)
	return s, nil
}

// ClientID returns the id this backend claimed ownership with.
func (s *SQLite) ClientID() string { return s.clientID }

// Close implements Backend.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 drops any owner row left by a pre-lease build so the next
// claim starts clean.
func migrateToV1(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM owner`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func (s *SQLite) claimOwnership(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner (id, client_id, acquired_ms) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET client_id = excluded.client_id, acquired_ms = excluded.acquired_ms
	`, s.clientID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("claim ownership: %w", classify(err))
	}
	return nil
}

// View implements Backend.
func (s *SQLite) View(ctx context.Context, name string, fn func(ReadTxn) error) error {
	return s.run(ctx, name, true, func(tx *sql.Tx) error {
		return fn(&sqliteTxn{ctx: ctx, tx: tx})
	})
}

// Update implements Backend. Every read-write transaction verifies that this
// client still owns the database.
func (s *SQLite) Update(ctx context.Context, name string, fn func(WriteTxn) error) error {
	return s.run(ctx, name, false, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT client_id FROM owner WHERE id = 1`).Scan(&owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return classify(err)
		}
		if owner != s.clientID {
			s.logger.Warn("primary lease lost", "txn", name, "owner", owner, "client_id", s.clientID)
			return ErrPrimaryLeaseLost
		}
		return fn(&sqliteTxn{ctx: ctx, tx: tx})
	})
}

func (s *SQLite) run(ctx context.Context, name string, readOnly bool, fn func(*sql.Tx) error) (err error) {
	mode := "readwrite"
	if readOnly {
		mode = "readonly"
	}
	ctx, span := tracer.Start(ctx, "persistence."+name, trace.WithAttributes(
		attribute.String("txn.name", name),
		attribute.String("txn.mode", mode),
		attribute.String("db.driver", s.driver),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Not every driver honors TxOptions.ReadOnly; read-only is enforced by
	// the ReadTxn interface instead.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", name, classify(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", name, classify(err))
	}
	return nil
}

type sqliteTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTxn) Get(store, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM entries WHERE store = ? AND key = ?`, store, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", store, classify(err))
	}
	return value, true, nil
}

func rangeClause(r KeyRange) (string, []any) {
	clause := ` AND key >= ?`
	args := []any{r.Start}
	if r.End != "" {
		clause += ` AND key < ?`
		args = append(args, r.End)
	}
	return clause, args
}

func (t *sqliteTxn) Scan(store string, r KeyRange, fn func(key string, value []byte) (bool, error)) error {
	clause, args := rangeClause(r)
	order := "ASC"
	if r.Reverse {
		order = "DESC"
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key, value FROM entries WHERE store = ?`+clause+` ORDER BY key `+order,
		append([]any{store}, args...)...)
	if err != nil {
		return fmt.Errorf("scan %s: %w", store, classify(err))
	}

	// Drain before calling fn so fn can issue statements on the same
	// connection.
	var hits []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s: %w", store, err)
		}
		hits = append(hits, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scan %s: %w", store, classify(err))
	}
	rows.Close()

	for _, e := range hits {
		more, err := fn(e.key, e.value)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) Count(store string, r KeyRange) (int, error) {
	clause, args := rangeClause(r)
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM entries WHERE store = ?`+clause,
		append([]any{store}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", store, classify(err))
	}
	return n, nil
}

func (t *sqliteTxn) Put(store, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO entries (store, key, value) VALUES (?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET value = excluded.value
	`, store, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", store, classify(err))
	}
	return nil
}

func (t *sqliteTxn) Delete(store, key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE store = ? AND key = ?`, store, key); err != nil {
		return fmt.Errorf("delete %s: %w", store, classify(err))
	}
	return nil
}

func (t *sqliteTxn) DeleteRange(store string, r KeyRange) error {
	clause, args := rangeClause(r)
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE store = ?`+clause, append([]any{store}, args...)...); err != nil {
		return fmt.Errorf("delete range %s: %w", store, classify(err))
	}
	return nil
}

// classify wraps SQLITE_BUSY and SQLITE_LOCKED from either driver in ErrBusy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		if cgoErr.Code == sqlite3.ErrBusy || cgoErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return err
	}
	// modernc.org/sqlite errors expose the result code through Code().
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
	}
	return err
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
