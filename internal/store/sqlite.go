package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// DB is the query surface shared by the store and its transactions.
type DB interface {
	// Query returns every row produced by query.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	// QueryRow returns the first row produced by query, or ErrNotFound.
	QueryRow(ctx context.Context, query string, args ...any) (Row, error)
	// Run executes a statement and returns the number of affected rows.
	Run(ctx context.Context, query string, args ...any) (int64, error)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore is the device-local relational store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs migrations.
// The store holds a single connection: SQLite serialises writers anyway, and a
// single connection keeps ":memory:" databases coherent across calls.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, s.db, query, args...)
}

func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	return queryFirst(ctx, s.db, query, args...)
}

func (s *SQLiteStore) Run(ctx context.Context, query string, args ...any) (int64, error) {
	return run(ctx, s.db, query, args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use the DB it is given: the store's single connection is
// held by the transaction until it finishes.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx DB) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit transaction", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (t txStore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, t.tx, query, args...)
}

func (t txStore) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	return queryFirst(ctx, t.tx, query, args...)
}

func (t txStore) Run(ctx context.Context, query string, args ...any) (int64, error) {
	return run(ctx, t.tx, query, args...)
}

func queryRows(ctx context.Context, q queryer, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, storageError("read columns", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storageError("scan row", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate rows", err)
	}
	return out, nil
}

func queryFirst(ctx context.Context, q queryer, query string, args ...any) (Row, error) {
	rows, err := queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func run(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageError("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storageError("rows affected", err)
	}
	return n, nil
}
