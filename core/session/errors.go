package session

import (
	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
)

var (
	// ErrDatabase is returned when a statement of a flush fails.
	ErrDatabase = errors.New("database error")

	// ErrTransaction is returned when the connection fails to begin, commit or
	// roll back a transaction.
	ErrTransaction = errors.New("transaction error")

	// ErrSerialization is returned when an entity cannot be snapshotted or restored.
	ErrSerialization = errors.New("serialization error")

	// ErrObjectNotFound is returned by Find. It also matches errs.NotFound.
	ErrObjectNotFound = errors.Mark(errors.New("object not found"), errs.NotFound)
)
