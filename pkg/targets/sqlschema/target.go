package sqlschema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// MemoryDSN selects a private in-memory database.
const MemoryDSN = ":memory:"

// Target applies tables and views to a SQLite database.
type Target struct {
	db     *sql.DB
	owned  bool
	logger zerolog.Logger
}

// New creates a target on an open database. The caller keeps ownership of db.
func New(db *sql.DB, logger zerolog.Logger) *Target {
	return &Target{
		db:     db,
		logger: logger.With().Str("component", "sqlschema-target").Logger(),
	}
}

// Open opens the database at dsn with foreign keys enforced. A file path
// is opened in WAL mode.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Target, error) {
	if dsn == "" {
		return nil, fmt.Errorf("target dsn is required")
	}

	source := dsn
	if dsn != MemoryDSN && !strings.HasPrefix(dsn, "file:") {
		source = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
	}

	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("failed to open target database: %w", err)
	}

	// Every connection to :memory: opens a separate database
	if dsn == MemoryDSN {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping target database: %w", err)
	}

	t := New(db, logger)
	t.owned = true
	return t, nil
}

// DB returns the underlying database.
func (t *Target) DB() *sql.DB {
	return t.db
}

// Close closes the database if the target opened it.
func (t *Target) Close() error {
	if t.owned {
		return t.db.Close()
	}
	return nil
}

// Exists reports whether a table or view of the given name exists.
func (t *Target) Exists(ctx context.Context, ref artifact.Ref) (bool, error) {
	typ, err := objectType(ref.Kind)
	if err != nil {
		return false, err
	}

	var n int
	err = t.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, typ, ref.Name).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up %s %s: %w", typ, ref.Name, err)
	}
	return n > 0, nil
}

// RowCount returns the number of rows in a table.
func (t *Target) RowCount(ctx context.Context, ref artifact.Ref) (int64, error) {
	if ref.Kind != artifact.KindTable {
		return 0, fmt.Errorf("cannot count rows of %s %s", ref.Kind, ref.Name)
	}

	var n int64
	err := t.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+QuoteIdent(ref.Name)).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", ref.Name, err)
	}
	return n, nil
}

// Create executes the CREATE statement of a table or view.
func (t *Target) Create(ctx context.Context, def *artifact.Definition) error {
	stmt, err := CreateStatement(def)
	if err != nil {
		return err
	}
	if err := t.exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s %s: %w", def.Kind, def.Name, err)
	}
	return nil
}

// Alter is not supported: a table holding data is never changed in place.
func (t *Target) Alter(_ context.Context, def *artifact.Definition) error {
	return fmt.Errorf("cannot alter %s %s holding data: %w", def.Kind, def.Name, artifact.ErrUnsupportedOperation)
}

// Drop removes a table or view if it exists.
func (t *Target) Drop(ctx context.Context, ref artifact.Ref) error {
	stmt, err := DropStatement(ref)
	if err != nil {
		return err
	}
	if err := t.exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop %s %s: %w", ref.Kind, ref.Name, err)
	}
	return nil
}

func (t *Target) exec(ctx context.Context, stmt string) error {
	t.logger.Debug().Str("statement", stmt).Msg("Executing DDL")
	return t.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt)
		return err
	})
}

// withConn runs fn on a connection held only for the operation.
func (t *Target) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}
