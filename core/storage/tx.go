package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
)

// IsolationLevel of a transaction. The zero value is the database default.
type IsolationLevel uint8

const (
	LevelDefault IsolationLevel = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case LevelDefault:
		return "DEFAULT"
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", uint8(l))
	}
}

// ParseIsolationLevel parses a level name such as "repeatable read" or
// "serializable", case-insensitive. An empty name is the default level.
func ParseIsolationLevel(name string) (IsolationLevel, error) {
	normalized := strings.Join(strings.Fields(strings.ToUpper(strings.ReplaceAll(name, "_", " "))), " ")
	if normalized == "" {
		return LevelDefault, nil
	}
	for level := LevelDefault; level <= Serializable; level++ {
		if level.String() == normalized {
			return level, nil
		}
	}
	return LevelDefault, errors.Wrapf(errs.InvalidArgument, "unknown isolation level %q", name)
}

type TxOptions struct {
	Isolation IsolationLevel
}

// TxBeginner is a Connection that opens transactions with options.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts TxOptions) (Transaction, error)
}

// Savepointer is a Transaction with named savepoints. Releasing a savepoint
// also releases the savepoints created after it. Rolling back to a savepoint
// keeps it, so it can be rolled back to again.
type Savepointer interface {
	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// CheckSavepointName rejects names that are not plain SQL identifiers.
func CheckSavepointName(name string) error {
	if !savepointName.MatchString(name) {
		return errors.Wrapf(errs.InvalidArgument, "invalid savepoint name %q", name)
	}
	return nil
}

func SavepointStatement(name string) string { return "SAVEPOINT " + name }

func ReleaseSavepointStatement(name string) string { return "RELEASE SAVEPOINT " + name }

func RollbackToSavepointStatement(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
