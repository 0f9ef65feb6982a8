package storage

import "context"

// Enlisted returns a Connection over db for a session whose transaction is
// owned by an outer coordinator. Begin succeeds without I/O, and Commit and
// Rollback of the returned handle do nothing: the coordinator decides the
// outcome.
func Enlisted(db Database) Connection {
	return enlisted{db}
}

type enlisted struct {
	Database
}

func (e enlisted) Begin(ctx context.Context) (Transaction, error) {
	return enlistedTx(e), nil
}

type enlistedTx struct {
	Database
}

func (enlistedTx) Commit(context.Context) error { return nil }

func (enlistedTx) Rollback(context.Context) error { return nil }
