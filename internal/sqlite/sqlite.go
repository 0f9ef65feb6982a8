// Package sqlite stores entity snapshots in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const MemoryPath = ":memory:"

type Config struct {
	Path string `mapstructure:"path"` // Default is :memory:
}

const createTable = `CREATE TABLE IF NOT EXISTS entity_snapshots (
	kind TEXT NOT NULL,
	pk TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, pk)
)`

const (
	upsertSnapshot = `INSERT INTO entity_snapshots (kind, pk, payload, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (kind, pk) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`
	deleteSnapshot = `DELETE FROM entity_snapshots WHERE kind = ? AND pk = ?`
)

var (
	_ storage.Connection  = (*Store)(nil)
	_ storage.TxBeginner  = (*Store)(nil)
	_ storage.Transaction = (*storeTx)(nil)
	_ storage.Savepointer = (*storeTx)(nil)
)

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type executor struct {
	q queryable
}

// Store is a storage connection over a SQLite database. An in-memory database
// is limited to a single connection, so statements outside an open
// transaction wait for it to end.
type Store struct {
	executor
	db *sql.DB
}

// Open opens the database at conf.Path and creates the snapshots table.
func Open(ctx context.Context, conf Config) (*Store, error) {
	path := conf.Path
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if path == MemoryPath {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create entity_snapshots table")
	}
	logger.DebugContext(ctx, "opened sqlite store", slogx.String("path", path))
	return &Store{executor: executor{q: db}, db: db}, nil
}

func (s *Store) Begin(ctx context.Context) (storage.Transaction, error) {
	return s.BeginTx(ctx, storage.TxOptions{})
}

// BeginTx opens a transaction. SQLite transactions are always serializable,
// which satisfies every weaker level too.
func (s *Store) BeginTx(ctx context.Context, opts storage.TxOptions) (storage.Transaction, error) {
	if opts.Isolation > storage.Serializable {
		return nil, errors.Wrapf(errs.InvalidArgument, "unknown isolation level %s", opts.Isolation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &storeTx{executor: executor{q: tx}, tx: tx}, nil
}

func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

type storeTx struct {
	executor
	tx *sql.Tx
}

func (t *storeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return errors.Wrap(errs.InvalidState, "transaction already closed")
		}
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (t *storeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "failed to rollback transaction")
	}
	return nil
}

func (t *storeTx) Savepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.SavepointStatement))
}

func (t *storeTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.ReleaseSavepointStatement))
}

func (t *storeTx) RollbackToSavepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.RollbackToSavepointStatement))
}

func (t *storeTx) exec(ctx context.Context, name string, statement func(string) string) error {
	if err := storage.CheckSavepointName(name); err != nil {
		return errors.WithStack(err)
	}
	query := statement(name)
	if _, err := t.tx.ExecContext(ctx, query); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return errors.Wrap(errs.InvalidState, "transaction already closed")
		}
		return errors.Wrapf(err, "failed to execute %s", query)
	}
	return nil
}

func (e executor) Execute(ctx context.Context, stmt storage.Statement) (int64, error) {
	switch {
	case stmt.Op != storage.OpUpsert && stmt.Op != storage.OpDelete:
		return 0, errors.Wrapf(errs.InvalidArgument, "cannot execute %s statement", stmt.Op)
	case stmt.Kind == "" || stmt.Key == "":
		return 0, errors.Wrap(errs.InvalidArgument, "statement requires kind and key")
	}

	var (
		result sql.Result
		err    error
	)
	if stmt.Op == storage.OpDelete {
		result, err = e.q.ExecContext(ctx, deleteSnapshot, stmt.Kind, stmt.Key)
	} else {
		result, err = e.q.ExecContext(ctx, upsertSnapshot, stmt.Kind, stmt.Key, string(stmt.Payload))
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to execute %s", stmt)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return affected, nil
}

func (e executor) QueryOne(ctx context.Context, stmt storage.Statement) (*storage.Row, error) {
	row, err := e.QueryOptional(ctx, stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if row == nil {
		return nil, errors.Wrapf(errs.NotFound, "%s", stmt)
	}
	return row, nil
}

func (e executor) QueryOptional(ctx context.Context, stmt storage.Statement) (*storage.Row, error) {
	rows, err := e.query(ctx, stmt, true)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (e executor) QueryAll(ctx context.Context, stmt storage.Statement) ([]storage.Row, error) {
	rows, err := e.query(ctx, stmt, false)
	return rows, errors.WithStack(err)
}

func (e executor) query(ctx context.Context, stmt storage.Statement, first bool) (_ []storage.Row, err error) {
	query, args, err := selectQuery(stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if first {
		query += " LIMIT 1"
	}
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", stmt)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close rows")
		}
	}()

	var result []storage.Row
	for rows.Next() {
		var (
			row     storage.Row
			payload string
		)
		if err := rows.Scan(&row.Kind, &row.Key, &payload); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", stmt)
		}
		row.Payload = []byte(payload)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate %s", stmt)
	}
	return result, nil
}

// jsonText renders a payload field as text. Booleans render as 1 and 0.
func jsonText(field string) string {
	return fmt.Sprintf("CAST(json_extract(payload, '$.' || %s) AS TEXT)", field)
}

func selectQuery(stmt storage.Statement) (string, []any, error) {
	if stmt.Op != storage.OpSelect {
		return "", nil, errors.Wrapf(errs.InvalidArgument, "%s is not a select statement", stmt.Op)
	}
	if stmt.Kind == "" {
		return "", nil, errors.Wrap(errs.InvalidArgument, "kind is required")
	}

	var sb strings.Builder
	args := []any{stmt.Kind}
	sb.WriteString("SELECT kind, pk, payload FROM entity_snapshots WHERE kind = ?")
	switch {
	case stmt.Key != "":
		sb.WriteString(" AND pk = ?")
		args = append(args, stmt.Key)
	case stmt.Filter != nil:
		sb.WriteString(" AND " + jsonText("?") + " = ?")
		args = append(args, stmt.Filter.Field, stmt.Filter.Value)
	}
	sb.WriteString(" ORDER BY ")
	if stmt.OrderBy != "" {
		sb.WriteString(jsonText("?") + ", ")
		args = append(args, stmt.OrderBy)
	}
	sb.WriteString("pk")
	return sb.String(), args, nil
}
