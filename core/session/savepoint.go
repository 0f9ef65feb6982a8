package session

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/samber/lo"
)

// Savepoint flushes, then creates a named savepoint in the open transaction.
// Rolling back to it restores both the database and the identity map as they
// were at this point.
func (s *Session) Savepoint(ctx context.Context, name string) error {
	sp, err := s.savepointer()
	if err != nil {
		return err
	}
	if err := storage.CheckSavepointName(name); err != nil {
		return errors.WithStack(err)
	}
	if err := s.Flush(ctx); err != nil {
		return errors.WithStack(err)
	}
	if err := sp.Savepoint(ctx, name); err != nil {
		return errors.Join(errors.Wrapf(err, "failed to create savepoint %q", name), ErrTransaction)
	}
	s.savepoints = append(s.savepoints, savepoint{name: name, identity: cloneIdentity(s.identity)})
	logger.DebugContext(ctx, "created savepoint", slogx.String("savepoint", name), slogx.Int("depth", len(s.savepoints)))
	return nil
}

// ReleaseSavepoint forgets the latest savepoint with the name and every
// savepoint created after it. Pending changes are kept.
func (s *Session) ReleaseSavepoint(ctx context.Context, name string) error {
	sp, err := s.savepointer()
	if err != nil {
		return err
	}
	i, err := s.findSavepoint(name)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := sp.ReleaseSavepoint(ctx, name); err != nil {
		return errors.Join(errors.Wrapf(err, "failed to release savepoint %q", name), ErrTransaction)
	}
	s.savepoints = s.savepoints[:i]
	return nil
}

// RollbackToSavepoint undoes every change made after the latest savepoint with
// the name, flushed or not. The savepoint itself is kept.
func (s *Session) RollbackToSavepoint(ctx context.Context, name string) error {
	sp, err := s.savepointer()
	if err != nil {
		return err
	}
	i, err := s.findSavepoint(name)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := sp.RollbackToSavepoint(ctx, name); err != nil {
		return errors.Join(errors.Wrapf(err, "failed to rollback to savepoint %q", name), ErrTransaction)
	}
	s.discardPending()
	s.identity = cloneIdentity(s.savepoints[i].identity)
	s.savepoints = s.savepoints[:i+1]
	logger.DebugContext(ctx, "rolled back to savepoint", slogx.String("savepoint", name))
	return nil
}

// SavepointCount returns the number of active savepoints.
func (s *Session) SavepointCount() int { return len(s.savepoints) }

// Atomic runs fn as one unit. Without an open transaction it begins one with
// opts and commits it when fn succeeds. Inside an open transaction fn runs
// under a savepoint, released when fn succeeds. When fn fails or panics its
// changes are rolled back and an outer transaction stays open.
func (s *Session) Atomic(ctx context.Context, fn func(ctx context.Context) error, opts ...BeginOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.tx == nil {
		return s.atomicTx(ctx, fn, opts)
	}
	if len(opts) > 0 {
		return errors.Wrap(errs.InvalidState, "transaction options cannot change inside an open transaction")
	}

	name := fmt.Sprintf("atomic_%d", len(s.savepoints)+1)
	if err := s.Savepoint(ctx, name); err != nil {
		return errors.WithStack(err)
	}
	undo := func() error {
		if err := s.RollbackToSavepoint(ctx, name); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(s.ReleaseSavepoint(ctx, name))
	}
	defer func() {
		if r := recover(); r != nil {
			if err := undo(); err != nil {
				logger.ErrorContext(ctx, "Failed to undo atomic block after panic", err, slogx.String("savepoint", name))
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		return errors.Join(err, undo())
	}
	return errors.WithStack(s.ReleaseSavepoint(ctx, name))
}

func (s *Session) atomicTx(ctx context.Context, fn func(ctx context.Context) error, opts []BeginOption) error {
	if err := s.Begin(ctx, opts...); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if r := recover(); r != nil {
			if err := s.Rollback(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to rollback atomic transaction after panic", err)
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		return errors.Join(err, s.Rollback(ctx))
	}
	if err := s.Commit(ctx); err != nil {
		if s.HasTransaction() {
			return errors.Join(err, s.Rollback(ctx))
		}
		return errors.WithStack(err)
	}
	return nil
}

func (s *Session) savepointer() (storage.Savepointer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.tx == nil {
		return nil, errors.Wrap(errs.InvalidState, "savepoints require an open transaction")
	}
	sp, ok := s.tx.(storage.Savepointer)
	if !ok {
		return nil, errors.Wrap(errs.Unsupported, "transaction does not support savepoints")
	}
	return sp, nil
}

func (s *Session) findSavepoint(name string) (int, error) {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].name == name {
			return i, nil
		}
	}
	return 0, errors.Wrapf(errs.NotFound, "savepoint %q", name)
}

func cloneIdentity(identity map[entity.IdentityKey]*entry) map[entity.IdentityKey]*entry {
	return lo.MapValues(identity, func(e *entry, _ entity.IdentityKey) *entry {
		clone := *e
		return &clone
	})
}
