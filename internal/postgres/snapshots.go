package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/jackc/pgx/v5"
)

const (
	upsertSnapshot = `INSERT INTO entity_snapshots (kind, pk, payload, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (kind, pk) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`
	deleteSnapshot = `DELETE FROM entity_snapshots WHERE kind = $1 AND pk = $2`
)

// Make sure that the snapshot stores satisfy the storage capability
var (
	_ storage.Database    = (*Snapshots)(nil)
	_ storage.Connection  = (*SnapshotStore)(nil)
	_ storage.TxBeginner  = (*SnapshotStore)(nil)
	_ storage.Transaction = (*snapshotTx)(nil)
	_ storage.Savepointer = (*snapshotTx)(nil)
)

var isoLevels = map[storage.IsolationLevel]pgx.TxIsoLevel{
	storage.ReadUncommitted: pgx.ReadUncommitted,
	storage.ReadCommitted:   pgx.ReadCommitted,
	storage.RepeatableRead:  pgx.RepeatableRead,
	storage.Serializable:    pgx.Serializable,
}

// Snapshots executes storage statements against the entity_snapshots table.
type Snapshots struct {
	q Queryable
}

func NewSnapshots(q Queryable) *Snapshots {
	return &Snapshots{q: q}
}

func (s *Snapshots) Execute(ctx context.Context, stmt storage.Statement) (int64, error) {
	if err := checkWrite(stmt); err != nil {
		return 0, errors.WithStack(err)
	}
	var (
		sql  = upsertSnapshot
		args = []any{stmt.Kind, stmt.Key, stmt.Payload}
	)
	if stmt.Op == storage.OpDelete {
		sql, args = deleteSnapshot, []any{stmt.Kind, stmt.Key}
	}
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to execute %s", stmt)
	}
	return tag.RowsAffected(), nil
}

func (s *Snapshots) QueryOne(ctx context.Context, stmt storage.Statement) (*storage.Row, error) {
	row, err := s.QueryOptional(ctx, stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if row == nil {
		return nil, errors.Wrapf(errs.NotFound, "%s", stmt)
	}
	return row, nil
}

func (s *Snapshots) QueryOptional(ctx context.Context, stmt storage.Statement) (*storage.Row, error) {
	sql, args, err := selectQuery(stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.q.Query(ctx, sql+" LIMIT 1", args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", stmt)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[storage.Row])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to scan %s", stmt)
	}
	return &row, nil
}

func (s *Snapshots) QueryAll(ctx context.Context, stmt storage.Statement) ([]storage.Row, error) {
	sql, args, err := selectQuery(stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", stmt)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToStructByPos[storage.Row])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", stmt)
	}
	return result, nil
}

// SnapshotStore is a storage connection backed by a pool or a single connection.
type SnapshotStore struct {
	*Snapshots
	db TxQueryable
}

func NewSnapshotStore(db TxQueryable) *SnapshotStore {
	return &SnapshotStore{Snapshots: NewSnapshots(db), db: db}
}

func (s *SnapshotStore) Begin(ctx context.Context) (storage.Transaction, error) {
	return s.BeginTx(ctx, storage.TxOptions{})
}

func (s *SnapshotStore) BeginTx(ctx context.Context, opts storage.TxOptions) (storage.Transaction, error) {
	txOptions, err := pgxTxOptions(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &snapshotTx{Snapshots: NewSnapshots(tx), tx: tx}, nil
}

type snapshotTx struct {
	*Snapshots
	tx pgx.Tx
}

func (t *snapshotTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return errors.Wrap(errs.InvalidState, "transaction already closed")
		}
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (t *snapshotTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "failed to rollback transaction")
	}
	return nil
}

func (t *snapshotTx) Savepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.SavepointStatement))
}

func (t *snapshotTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.ReleaseSavepointStatement))
}

func (t *snapshotTx) RollbackToSavepoint(ctx context.Context, name string) error {
	return errors.WithStack(t.exec(ctx, name, storage.RollbackToSavepointStatement))
}

func (t *snapshotTx) exec(ctx context.Context, name string, statement func(string) string) error {
	if err := storage.CheckSavepointName(name); err != nil {
		return errors.WithStack(err)
	}
	sql := statement(name)
	if _, err := t.tx.Exec(ctx, sql); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return errors.Wrap(errs.InvalidState, "transaction already closed")
		}
		return errors.Wrapf(err, "failed to execute %s", sql)
	}
	return nil
}

// pgxTxOptions maps the isolation level, the default level leaves it to the server.
func pgxTxOptions(opts storage.TxOptions) (pgx.TxOptions, error) {
	if opts.Isolation == storage.LevelDefault {
		return pgx.TxOptions{}, nil
	}
	level, ok := isoLevels[opts.Isolation]
	if !ok {
		return pgx.TxOptions{}, errors.Wrapf(errs.InvalidArgument, "unknown isolation level %s", opts.Isolation)
	}
	return pgx.TxOptions{IsoLevel: level}, nil
}

func checkWrite(stmt storage.Statement) error {
	switch {
	case stmt.Op != storage.OpUpsert && stmt.Op != storage.OpDelete:
		return errors.Wrapf(errs.InvalidArgument, "%s is not a write statement", stmt.Op)
	case stmt.Kind == "" || stmt.Key == "":
		return errors.Wrap(errs.InvalidArgument, "kind and key are required")
	}
	return nil
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
	sb.WriteString("SELECT kind, pk, payload FROM entity_snapshots WHERE kind = $1")
	switch {
	case stmt.Key != "":
		args = append(args, stmt.Key)
		fmt.Fprintf(&sb, " AND pk = $%d", len(args))
	case stmt.Filter != nil:
		args = append(args, stmt.Filter.Field, stmt.Filter.Value)
		fmt.Fprintf(&sb, " AND payload->>$%d = $%d", len(args)-1, len(args))
	}
	sb.WriteString(" ORDER BY ")
	if stmt.OrderBy != "" {
		args = append(args, stmt.OrderBy)
		fmt.Fprintf(&sb, "payload->>$%d, ", len(args))
	}
	sb.WriteString("pk")
	return sb.String(), args, nil
}
