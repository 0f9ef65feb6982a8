package storage

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
)

type rowKey struct {
	kind string
	key  string
}

// Memory is an in-memory Connection. Transactions buffer their writes and
// apply them atomically on commit. It's safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	rows map[rowKey][]byte
}

var (
	_ Connection  = (*Memory)(nil)
	_ TxBeginner  = (*Memory)(nil)
	_ Savepointer = (*memoryTx)(nil)
)

func NewMemory() *Memory {
	return &Memory{rows: make(map[rowKey][]byte)}
}

// Len returns the number of stored rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) Execute(ctx context.Context, stmt Statement) (int64, error) {
	if err := checkWrite(stmt); err != nil {
		return 0, errors.WithStack(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := rowKey{stmt.Kind, stmt.Key}
	switch stmt.Op {
	case OpUpsert:
		m.rows[k] = slices.Clone(stmt.Payload)
		return 1, nil
	default:
		if _, ok := m.rows[k]; !ok {
			return 0, nil
		}
		delete(m.rows, k)
		return 1, nil
	}
}

func (m *Memory) QueryOne(ctx context.Context, stmt Statement) (*Row, error) {
	return queryOne(ctx, m, stmt)
}

func (m *Memory) QueryOptional(ctx context.Context, stmt Statement) (*Row, error) {
	return queryOptional(ctx, m, stmt)
}

func (m *Memory) QueryAll(ctx context.Context, stmt Statement) ([]Row, error) {
	if stmt.Op != OpSelect {
		return nil, errors.Wrapf(errs.InvalidArgument, "cannot query with %s statement", stmt.Op)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectRows(stmt, func(yield func(key string, payload []byte)) {
		for k, payload := range m.rows {
			if k.kind == stmt.Kind {
				yield(k.key, payload)
			}
		}
	})
}

func (m *Memory) Begin(ctx context.Context) (Transaction, error) {
	return m.BeginTx(ctx, TxOptions{})
}

// BeginTx accepts every isolation level. Reads never see writes of other
// transactions before they commit.
func (m *Memory) BeginTx(ctx context.Context, opts TxOptions) (Transaction, error) {
	if opts.Isolation > Serializable {
		return nil, errors.Wrapf(errs.InvalidArgument, "unknown isolation level %s", opts.Isolation)
	}
	return &memoryTx{store: m, writes: make(map[rowKey]*[]byte)}, nil
}

// memoryTx overlays buffered writes on the store. A nil write is a delete.
type memoryTx struct {
	store      *Memory
	mu         sync.Mutex
	writes     map[rowKey]*[]byte
	savepoints []memorySavepoint
	done       bool
}

type memorySavepoint struct {
	name   string
	writes map[rowKey]*[]byte
}

func (tx *memoryTx) Savepoint(ctx context.Context, name string) error {
	if err := CheckSavepointName(name); err != nil {
		return errors.WithStack(err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errors.Wrap(errs.InvalidState, "transaction already closed")
	}
	tx.savepoints = append(tx.savepoints, memorySavepoint{name: name, writes: maps.Clone(tx.writes)})
	return nil
}

func (tx *memoryTx) ReleaseSavepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	i, err := tx.findSavepoint(name)
	if err != nil {
		return errors.WithStack(err)
	}
	tx.savepoints = tx.savepoints[:i]
	return nil
}

func (tx *memoryTx) RollbackToSavepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	i, err := tx.findSavepoint(name)
	if err != nil {
		return errors.WithStack(err)
	}
	tx.writes = maps.Clone(tx.savepoints[i].writes)
	tx.savepoints = tx.savepoints[:i+1]
	return nil
}

// findSavepoint returns the index of the latest savepoint with the name. It
// must be called with tx.mu held.
func (tx *memoryTx) findSavepoint(name string) (int, error) {
	if tx.done {
		return 0, errors.Wrap(errs.InvalidState, "transaction already closed")
	}
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			return i, nil
		}
	}
	return 0, errors.Wrapf(errs.NotFound, "savepoint %q", name)
}

func (tx *memoryTx) Execute(ctx context.Context, stmt Statement) (int64, error) {
	if err := checkWrite(stmt); err != nil {
		return 0, errors.WithStack(err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return 0, errors.Wrap(errs.InvalidState, "transaction already closed")
	}
	k := rowKey{stmt.Kind, stmt.Key}
	switch stmt.Op {
	case OpUpsert:
		payload := slices.Clone(stmt.Payload)
		tx.writes[k] = &payload
		return 1, nil
	default:
		if _, ok := tx.lookup(k); !ok {
			return 0, nil
		}
		tx.writes[k] = nil
		return 1, nil
	}
}

// lookup must be called with tx.mu held.
func (tx *memoryTx) lookup(k rowKey) ([]byte, bool) {
	if w, ok := tx.writes[k]; ok {
		if w == nil {
			return nil, false
		}
		return *w, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	payload, ok := tx.store.rows[k]
	return payload, ok
}

func (tx *memoryTx) QueryOne(ctx context.Context, stmt Statement) (*Row, error) {
	return queryOne(ctx, tx, stmt)
}

func (tx *memoryTx) QueryOptional(ctx context.Context, stmt Statement) (*Row, error) {
	return queryOptional(ctx, tx, stmt)
}

func (tx *memoryTx) QueryAll(ctx context.Context, stmt Statement) ([]Row, error) {
	if stmt.Op != OpSelect {
		return nil, errors.Wrapf(errs.InvalidArgument, "cannot query with %s statement", stmt.Op)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errors.Wrap(errs.InvalidState, "transaction already closed")
	}

	merged := make(map[string][]byte)
	tx.store.mu.RLock()
	for k, payload := range tx.store.rows {
		if k.kind == stmt.Kind {
			merged[k.key] = payload
		}
	}
	tx.store.mu.RUnlock()
	for k, w := range tx.writes {
		if k.kind != stmt.Kind {
			continue
		}
		if w == nil {
			delete(merged, k.key)
			continue
		}
		merged[k.key] = *w
	}

	return selectRows(stmt, func(yield func(key string, payload []byte)) {
		for key, payload := range merged {
			yield(key, payload)
		}
	})
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errors.Wrap(errs.InvalidState, "transaction already closed")
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for k, w := range tx.writes {
		if w == nil {
			delete(tx.store.rows, k)
			continue
		}
		tx.store.rows[k] = *w
	}
	tx.writes = nil
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.writes = nil
	tx.savepoints = nil
	return nil
}

func checkWrite(stmt Statement) error {
	if stmt.Op != OpUpsert && stmt.Op != OpDelete {
		return errors.Wrapf(errs.InvalidArgument, "cannot execute %s statement", stmt.Op)
	}
	if stmt.Kind == "" || stmt.Key == "" {
		return errors.Wrap(errs.InvalidArgument, "statement requires kind and key")
	}
	return nil
}

// selectRows applies the key, filter and ordering of stmt to the candidate rows of its kind.
func selectRows(stmt Statement, candidates func(yield func(key string, payload []byte))) ([]Row, error) {
	type sortable struct {
		row   Row
		order string
	}

	var (
		result []sortable
		err    error
	)
	candidates(func(key string, payload []byte) {
		if err != nil {
			return
		}
		if stmt.Key != "" && key != stmt.Key {
			return
		}
		if stmt.Filter != nil {
			value, ok, ferr := payloadField(payload, stmt.Filter.Field)
			if ferr != nil {
				err = errors.Wrapf(ferr, "row %s:%s", stmt.Kind, key)
				return
			}
			if !ok || value != stmt.Filter.Value {
				return
			}
		}
		item := sortable{row: Row{Kind: stmt.Kind, Key: key, Payload: slices.Clone(payload)}}
		if stmt.OrderBy != "" {
			item.order, _, _ = payloadField(payload, stmt.OrderBy)
		}
		result = append(result, item)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	slices.SortFunc(result, func(a, b sortable) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.row.Key, b.row.Key)
	})

	rows := make([]Row, 0, len(result))
	for _, item := range result {
		rows = append(rows, item.row)
	}
	return rows, nil
}

func queryOptional(ctx context.Context, db Database, stmt Statement) (*Row, error) {
	rows, err := db.QueryAll(ctx, stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func queryOne(ctx context.Context, db Database, stmt Statement) (*Row, error) {
	row, err := queryOptional(ctx, db, stmt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if row == nil {
		return nil, errors.Wrapf(errs.NotFound, "%s", stmt)
	}
	return row, nil
}
