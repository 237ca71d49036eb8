// Package db owns the embedded SQLite file: opening it, its schema, and
// units of work that can defer side effects until commit.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/fruitsalade/replicasync/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	image_path   TEXT    NOT NULL DEFAULT '',
	content_type TEXT    NOT NULL DEFAULT '',
	caption      TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts (created_at DESC, id DESC);
`

// DB wraps the SQLite handle.
type DB struct {
	sql *sql.DB
}

// Open opens or creates the database at path. The replica loader must have
// finished with path before this is called.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("db: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps pragmas in effect and writers serialized.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{sql: sqlDB}
	if err := d.applyPragmas(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := d.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logging.Info("database opened", zap.String("path", path))
	return d, nil
}

// applyPragmas keeps the rollback journal: committed pages land in the main
// file, and the main file is the only thing that gets published.
func (d *DB) applyPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := d.sql.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Ping checks that the database answers.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// exec returns the transaction carried by ctx, or the plain handle.
func (d *DB) exec(ctx context.Context) executor {
	if uow := unitFrom(ctx); uow != nil {
		return uow.tx
	}
	return d.sql
}

type unitKey struct{}

type unitOfWork struct {
	tx *sql.Tx

	mu    sync.Mutex
	done  bool
	hooks []func()
}

func unitFrom(ctx context.Context) *unitOfWork {
	uow, _ := ctx.Value(unitKey{}).(*unitOfWork)
	return uow
}

// InTx runs fn in a transaction carried by the context passed to fn. A nil
// return commits and then runs the hooks registered with AfterCommit in
// order; an error or panic rolls back and discards them. Calls nested inside
// an active unit of work join it.
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if unitFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	uow := &unitOfWork{tx: tx}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
		uow.finish()
	}()

	if err := fn(context.WithValue(ctx, unitKey{}, uow)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	for _, h := range uow.finish() {
		h()
	}
	return nil
}

// finish closes the unit to new hooks and returns the registered ones.
func (u *unitOfWork) finish() []func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	hooks := u.hooks
	u.hooks = nil
	return hooks
}

// AfterCommit registers fn to run once the unit of work in ctx commits. It
// returns false, without registering, when ctx carries no open unit of work.
func AfterCommit(ctx context.Context, fn func()) bool {
	uow := unitFrom(ctx)
	if uow == nil {
		return false
	}
	uow.mu.Lock()
	defer uow.mu.Unlock()
	if uow.done {
		return false
	}
	uow.hooks = append(uow.hooks, fn)
	return true
}
