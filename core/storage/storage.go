// Package storage defines the database capability a session writes through,
// along with an in-memory store and a relationship loader over it.
package storage

import (
	"context"
	"fmt"
)

// Op is the kind of a statement.
type Op uint8

const (
	OpUpsert Op = iota + 1
	OpDelete
	OpSelect
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpSelect:
		return "select"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Filter matches rows whose JSON payload field equals Value.
type Filter struct {
	Field string
	Value string
}

// Statement is a single storage operation on entity snapshots.
type Statement struct {
	Op      Op
	Kind    string
	Key     string
	Payload []byte

	// Filter and OrderBy only apply to OpSelect without Key.
	Filter  *Filter
	OrderBy string
}

// Upsert inserts or replaces the snapshot of kind/key.
func Upsert(kind, key string, payload []byte) Statement {
	return Statement{Op: OpUpsert, Kind: kind, Key: key, Payload: payload}
}

// Delete removes the snapshot of kind/key.
func Delete(kind, key string) Statement {
	return Statement{Op: OpDelete, Kind: kind, Key: key}
}

// Select reads the snapshot of kind/key. An empty key selects every row of kind.
func Select(kind, key string) Statement {
	return Statement{Op: OpSelect, Kind: kind, Key: key}
}

// SelectBy reads every row of kind whose payload field equals value.
func SelectBy(kind, field, value string) Statement {
	return Statement{Op: OpSelect, Kind: kind, Filter: &Filter{Field: field, Value: value}}
}

// Ordered returns a copy of the statement sorted by the given payload field.
func (s Statement) Ordered(field string) Statement {
	s.OrderBy = field
	return s
}

func (s Statement) String() string {
	switch {
	case s.Key != "":
		return fmt.Sprintf("%s %s:%s", s.Op, s.Kind, s.Key)
	case s.Filter != nil:
		return fmt.Sprintf("%s %s where %s=%s", s.Op, s.Kind, s.Filter.Field, s.Filter.Value)
	default:
		return fmt.Sprintf("%s %s", s.Op, s.Kind)
	}
}

// Row is a stored entity snapshot.
type Row struct {
	Kind    string
	Key     string
	Payload []byte
}

// Database executes statements.
type Database interface {
	// Execute runs a write statement and returns the number of affected rows.
	Execute(ctx context.Context, stmt Statement) (int64, error)

	// QueryOne returns exactly one row, errs.NotFound if there is none.
	QueryOne(ctx context.Context, stmt Statement) (*Row, error)

	// QueryOptional returns the first row or nil.
	QueryOptional(ctx context.Context, stmt Statement) (*Row, error)

	// QueryAll returns every matching row.
	QueryAll(ctx context.Context, stmt Statement) ([]Row, error)
}

// Transaction is a database transaction. Commit and Rollback end it.
type Transaction interface {
	Database
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connection is a database that can open transactions.
type Connection interface {
	Database
	Begin(ctx context.Context) (Transaction, error)
}
