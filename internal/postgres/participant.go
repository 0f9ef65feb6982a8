package postgres

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/core/twophase"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ twophase.Driver          = (*Participant)(nil)
	_ twophase.InDoubter       = (*Participant)(nil)
	_ twophase.ResourceManager = (*ResourceManager)(nil)
)

const inDoubtQuery = `SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared`

// ResourceManager resolves prepared transactions of one database.
type ResourceManager struct {
	pool *pgxpool.Pool
}

func NewResourceManager(pool *pgxpool.Pool) *ResourceManager {
	return &ResourceManager{pool: pool}
}

func (m *ResourceManager) InDoubt(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx, inDoubtQuery)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query prepared transactions")
	}
	xids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan prepared transactions")
	}
	return xids, nil
}

func (m *ResourceManager) CommitPrepared(ctx context.Context, xid string) error {
	if _, err := m.pool.Exec(ctx, twophase.CommitPreparedStatement(xid)); err != nil {
		return errors.Wrapf(err, "failed to commit prepared transaction %q", xid)
	}
	return nil
}

func (m *ResourceManager) RollbackPrepared(ctx context.Context, xid string) error {
	if _, err := m.pool.Exec(ctx, twophase.RollbackPreparedStatement(xid)); err != nil {
		return errors.Wrapf(err, "failed to rollback prepared transaction %q", xid)
	}
	return nil
}

// Participant is a local transaction held on a dedicated connection until it
// is prepared or rolled back. The database needs max_prepared_transactions > 0.
type Participant struct {
	*ResourceManager

	mu   sync.Mutex
	conn *pgxpool.Conn
	db   *Snapshots
}

// BeginParticipant acquires a connection from the pool and opens a local transaction on it.
func BeginParticipant(ctx context.Context, pool *pgxpool.Pool) (*Participant, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire connection")
	}
	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "failed to begin local transaction")
	}
	return &Participant{
		ResourceManager: NewResourceManager(pool),
		conn:            conn,
		db:              NewSnapshots(conn),
	}, nil
}

// Database returns the statements executor bound to the local transaction.
// Wrap it with storage.Enlisted to hand it to a session.
func (p *Participant) Database() storage.Database {
	return p.db
}

func (p *Participant) Prepare(ctx context.Context, xid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.Wrap(errs.InvalidState, "local transaction is closed")
	}
	if _, err := p.conn.Exec(ctx, twophase.PrepareStatement(xid)); err != nil {
		// the local transaction is still open and must be rolled back
		return errors.Wrapf(err, "failed to prepare transaction %q", xid)
	}
	// a prepared transaction no longer belongs to the session
	p.release()
	return nil
}

func (p *Participant) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	defer p.release()
	if _, err := p.conn.Exec(ctx, twophase.RollbackStatement()); err != nil {
		return errors.Wrap(err, "failed to rollback local transaction")
	}
	return nil
}

func (p *Participant) release() {
	p.conn.Release()
	p.conn = nil
}
