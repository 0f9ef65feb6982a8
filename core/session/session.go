// Package session implements a unit of work: an identity map of entity
// snapshots plus the pending writes and deletes that a flush sends to the
// database.
package session

import (
	"context"
	"encoding/json"
	"reflect"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/core/relationship"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/samber/lo"
)

type entry struct {
	snapshot []byte
	typ      reflect.Type
	dirty    bool
}

// Session tracks entities between flushes. A session has a single owner and
// is not safe for concurrent use.
type Session struct {
	conn storage.Connection
	tx   storage.Transaction

	identity map[entity.IdentityKey]*entry
	dirty    map[entity.IdentityKey]struct{}
	deleted  map[entity.IdentityKey]struct{}

	registry *relationship.Registry
	loader   relationship.Loader

	// keyTypes holds a key of every kind seen, rows of a kind share one key column.
	keyTypes   map[string]entity.PrimaryKey
	savepoints []savepoint

	closed bool
}

type savepoint struct {
	name     string
	identity map[entity.IdentityKey]*entry
}

// rebindable is a loader that can read through the database of the session.
type rebindable interface {
	WithDatabase(db storage.Database) relationship.Loader
}

type Option func(*Session)

// WithRelationships enables cascades along the given policies. The loader
// fetches children that are not populated in memory, it may be nil.
func WithRelationships(registry *relationship.Registry, loader relationship.Loader) Option {
	return func(s *Session) {
		s.registry = registry
		s.loader = loader
	}
}

func New(conn storage.Connection, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, errors.Wrap(errs.InvalidArgument, "connection is required")
	}
	s := &Session{
		conn:     conn,
		identity: make(map[entity.IdentityKey]*entry),
		dirty:    make(map[entity.IdentityKey]struct{}),
		deleted:  make(map[entity.IdentityKey]struct{}),
		keyTypes: make(map[string]entity.PrimaryKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.Wrap(errs.InvalidState, "session is closed")
	}
	return nil
}

// database returns the open transaction when there is one, the connection otherwise.
func (s *Session) database() storage.Database {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// relationLoader returns the loader reading through the current database.
func (s *Session) relationLoader() relationship.Loader {
	if l, ok := s.loader.(rebindable); ok {
		return l.WithDatabase(s.database())
	}
	return s.loader
}

// checkKeyTypes rejects keys whose type differs from the other keys of their
// kind: Int(1) and String("1") would share a stored row.
func (s *Session) checkKeyTypes(keys ...entity.IdentityKey) error {
	seen := make(map[string]entity.PrimaryKey, len(keys))
	for _, key := range keys {
		first, ok := s.keyTypes[key.Kind]
		if !ok {
			first, ok = seen[key.Kind]
		}
		if !ok {
			seen[key.Kind] = key.PK
			continue
		}
		if first.TypeName() != key.PK.TypeName() {
			return errors.Wrapf(errs.InvalidArgument, "%s has a %s key but %s keys are %s", key, key.PK.TypeName(), key.Kind, first.TypeName())
		}
	}
	return nil
}

func (s *Session) recordKeyTypes(keys ...entity.IdentityKey) {
	for _, key := range keys {
		if _, ok := s.keyTypes[key.Kind]; !ok {
			s.keyTypes[key.Kind] = key.PK
		}
	}
}

type pending struct {
	key    entity.IdentityKey
	entity entity.Entity

	// loaded is set for children read from the database by the loader.
	loaded bool
}

func pendingKeys(targets []pending) []entity.IdentityKey {
	return lo.Map(targets, func(p pending, _ int) entity.IdentityKey { return p.key })
}

// Add snapshots the entity into the identity map and marks it dirty. A
// pending delete of the same key is cancelled. Children along save-update
// cascades are added too. A child read by the loader never replaces the
// tracked entry of its key, and a loaded child pending deletion stays deleted.
func (s *Session) Add(ctx context.Context, e entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key, ok := entity.KeyOf(e)
	if !ok {
		return errors.Wrapf(errs.InvalidState, "cannot add %s entity without a primary key", e.EntityKind())
	}

	targets, err := s.cascade(ctx, pending{key: key, entity: e}, relationship.Policy.CascadesSave, true)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := s.checkKeyTypes(pendingKeys(targets)...); err != nil {
		return errors.WithStack(err)
	}

	entries := make(map[entity.IdentityKey]*entry, len(targets))
	for _, target := range targets {
		if target.loaded {
			if _, ok := s.deleted[target.key]; ok {
				continue
			}
			if tracked, ok := s.identity[target.key]; ok {
				entries[target.key] = tracked
				continue
			}
		}
		if entries[target.key], err = snapshot(target.entity); err != nil {
			return errors.Wrapf(err, "failed to add %s", target.key)
		}
	}
	for key, e := range entries {
		e.dirty = true
		s.identity[key] = e
		s.dirty[key] = struct{}{}
		delete(s.deleted, key)
	}
	s.recordKeyTypes(pendingKeys(targets)...)
	return nil
}

// Get restores the tracked entity of kind/pk into dest, a pointer to the
// entity type. It never touches the database: found is false when the key is
// not in the identity map.
func (s *Session) Get(kind string, pk entity.PrimaryKey, dest any) (found bool, err error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	typ, err := destType(dest)
	if err != nil {
		return false, errors.WithStack(err)
	}

	key := entity.NewIdentityKey(kind, pk)
	e, ok := s.identity[key]
	if !ok {
		return false, nil
	}
	if e.typ != typ {
		return false, errors.Wrapf(errs.InvalidState, "type mismatch in identity map: %s holds %s, not %s", key, e.typ, typ)
	}
	if err := json.Unmarshal(e.snapshot, dest); err != nil {
		return false, errors.Join(errors.Wrapf(err, "failed to restore %s", key), ErrSerialization)
	}
	return true, nil
}

// Find is like Get but reads through to the database when the key is not
// tracked, caching the loaded row as a clean entry. A pending delete hides the
// entity.
func (s *Session) Find(ctx context.Context, kind string, pk entity.PrimaryKey, dest any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := entity.NewIdentityKey(kind, pk)
	if _, ok := s.deleted[key]; ok {
		return errors.Wrapf(ErrObjectNotFound, "%s is pending deletion", key)
	}
	if err := s.checkKeyTypes(key); err != nil {
		return errors.WithStack(err)
	}

	found, err := s.Get(kind, pk, dest)
	if err != nil || found {
		return err
	}
	typ, err := destType(dest)
	if err != nil {
		return errors.WithStack(err)
	}

	row, err := s.database().QueryOne(ctx, storage.Select(kind, pk.String()))
	if err != nil {
		if errors.Is(err, errs.NotFound) {
			return errors.Wrapf(ErrObjectNotFound, "%s", key)
		}
		return errors.Join(errors.Wrapf(err, "failed to find %s", key), ErrDatabase)
	}
	if err := json.Unmarshal(row.Payload, dest); err != nil {
		return errors.Join(errors.Wrapf(err, "failed to restore %s", key), ErrSerialization)
	}
	s.identity[key] = &entry{snapshot: row.Payload, typ: typ}
	s.recordKeyTypes(key)
	return nil
}

// Delete schedules the entity for deletion at the next flush. An untracked
// entity is attached first. Children along delete cascades are deleted too.
func (s *Session) Delete(ctx context.Context, e entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key, ok := entity.KeyOf(e)
	if !ok {
		return errors.Wrapf(errs.InvalidState, "cannot delete %s entity without a primary key", e.EntityKind())
	}

	targets, err := s.cascade(ctx, pending{key: key, entity: e}, relationship.Policy.CascadesDelete, true)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := s.checkKeyTypes(pendingKeys(targets)...); err != nil {
		return errors.WithStack(err)
	}

	attach := make(map[entity.IdentityKey]*entry)
	for _, target := range targets {
		if _, ok := s.identity[target.key]; ok {
			continue
		}
		attached, err := snapshot(target.entity)
		if err != nil {
			return errors.Wrapf(err, "failed to delete %s", target.key)
		}
		attach[target.key] = attached
	}
	for _, target := range targets {
		if attached, ok := attach[target.key]; ok {
			s.identity[target.key] = attached
		}
		s.identity[target.key].dirty = false
		delete(s.dirty, target.key)
		s.deleted[target.key] = struct{}{}
	}
	s.recordKeyTypes(pendingKeys(targets)...)
	return nil
}

// Expunge detaches the entity from the session without any I/O, dropping its
// pending write or delete. Children along expunge cascades are detached too,
// only from in-memory relationships.
func (s *Session) Expunge(ctx context.Context, e entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key, ok := entity.KeyOf(e)
	if !ok {
		return errors.Wrapf(errs.InvalidState, "cannot expunge %s entity without a primary key", e.EntityKind())
	}

	targets, err := s.cascade(ctx, pending{key: key, entity: e}, relationship.Policy.CascadesExpunge, false)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, target := range targets {
		delete(s.identity, target.key)
		delete(s.dirty, target.key)
		delete(s.deleted, target.key)
	}
	return nil
}

// cascade walks the relationships of root whose policy matches and returns
// root followed by every reachable child, once each. Children populated on a
// relationship.Parent come from memory, others from the loader when load is set.
func (s *Session) cascade(ctx context.Context, root pending, follows func(relationship.Policy) bool, load bool) ([]pending, error) {
	visited := map[entity.IdentityKey]struct{}{root.key: {}}
	result := []pending{root}
	if s.registry == nil {
		return result, nil
	}

	for i := 0; i < len(result); i++ {
		current := result[i]
		for _, policy := range s.registry.For(current.key.Kind) {
			if !follows(policy) {
				continue
			}
			children, loaded, err := s.children(ctx, current, policy, load)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			for _, child := range children {
				key, ok := entity.KeyOf(child)
				if !ok {
					return nil, errors.Wrapf(errs.InvalidState, "%s child of %s has no primary key", policy.Name, current.key)
				}
				if _, ok := visited[key]; ok {
					continue
				}
				visited[key] = struct{}{}
				result = append(result, pending{key: key, entity: child, loaded: loaded})
			}
		}
	}
	return result, nil
}

// children returns the related children of parent, loaded reports whether they
// were read from the database.
func (s *Session) children(ctx context.Context, parent pending, policy relationship.Policy, load bool) (_ []entity.Entity, loaded bool, _ error) {
	if p, ok := parent.entity.(relationship.Parent); ok {
		if children, ok := p.Related(policy.Name); ok {
			return children, false, nil
		}
	}
	if !load || s.loader == nil {
		return nil, false, nil
	}
	children, err := s.relationLoader().Load(ctx, parent.key, policy)
	if err != nil {
		return nil, false, errors.Join(errors.Wrapf(err, "failed to load %s of %s", policy.Name, parent.key), ErrDatabase)
	}
	return children, true, nil
}

// Related returns the children of parent along the named relationship. A
// populated in-memory collection is returned as is. Otherwise the children are
// resolved with the loading strategy of the relationship, which panics for a
// Raise relationship unless relationship.Eager is given. Loaded children that
// are tracked are restored from the identity map, children pending deletion
// are left out and the others are cached as clean entries.
func (s *Session) Related(ctx context.Context, parent entity.Entity, name string, opts ...relationship.AccessOption) ([]entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	key, ok := entity.KeyOf(parent)
	if !ok {
		return nil, errors.Wrapf(errs.InvalidState, "cannot load %s of %s entity without a primary key", name, parent.EntityKind())
	}
	policy, ok := s.registry.Lookup(key.Kind, name)
	if !ok {
		return nil, errors.Wrapf(errs.NotFound, "relationship %q of %s", name, key.Kind)
	}
	if p, ok := parent.(relationship.Parent); ok {
		if children, ok := p.Related(name); ok {
			return children, nil
		}
	}

	children, err := relationship.Access(ctx, s.relationLoader(), key, policy, opts...)
	if err != nil {
		if errors.Is(err, errs.InvalidState) {
			return nil, errors.WithStack(err)
		}
		return nil, errors.Join(errors.WithStack(err), ErrDatabase)
	}

	related := make([]entity.Entity, 0, len(children))
	cache := make(map[entity.IdentityKey]*entry)
	for _, child := range children {
		childKey, ok := entity.KeyOf(child)
		if !ok {
			return nil, errors.Wrapf(errs.InvalidState, "%s child of %s has no primary key", name, key)
		}
		if _, ok := s.deleted[childKey]; ok {
			continue
		}
		if tracked, ok := s.identity[childKey]; ok {
			if err := restore(tracked, childKey, child); err != nil {
				return nil, errors.WithStack(err)
			}
		} else {
			if cache[childKey], err = snapshot(child); err != nil {
				return nil, errors.Wrapf(err, "failed to cache %s", childKey)
			}
		}
		related = append(related, child)
	}
	if err := s.checkKeyTypes(lo.Keys(cache)...); err != nil {
		return nil, errors.WithStack(err)
	}
	for childKey, e := range cache {
		s.identity[childKey] = e
	}
	s.recordKeyTypes(lo.Keys(cache)...)
	return related, nil
}

// Flush upserts every dirty entity, then deletes every entity pending
// deletion and drops it from the identity map. Keys are processed in
// IdentityKey order. Keys flushed before a failure stay flushed.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(s.dirty) == 0 && len(s.deleted) == 0 {
		return nil
	}

	db := s.database()
	upserts := sortedKeys(s.dirty)
	deletes := sortedKeys(s.deleted)

	for _, key := range upserts {
		e := s.identity[key]
		if _, err := db.Execute(ctx, storage.Upsert(key.Kind, key.PK.String(), e.snapshot)); err != nil {
			return errors.Join(errors.Wrapf(err, "failed to upsert %s", key), ErrDatabase)
		}
		flushStatements.WithLabelValues(storage.OpUpsert.String()).Inc()
		e.dirty = false
		delete(s.dirty, key)
	}

	for _, key := range deletes {
		if _, err := db.Execute(ctx, storage.Delete(key.Kind, key.PK.String())); err != nil {
			return errors.Join(errors.Wrapf(err, "failed to delete %s", key), ErrDatabase)
		}
		flushStatements.WithLabelValues(storage.OpDelete.String()).Inc()
		delete(s.deleted, key)
		delete(s.identity, key)
	}

	logger.DebugContext(ctx, "flushed session",
		slogx.Int("upserts", len(upserts)),
		slogx.Int("deletes", len(deletes)),
		slogx.Bool("transaction", s.tx != nil),
	)
	return nil
}

type BeginOption func(*storage.TxOptions)

// WithIsolation opens the transaction with the given isolation level. The
// connection must implement storage.TxBeginner.
func WithIsolation(level storage.IsolationLevel) BeginOption {
	return func(o *storage.TxOptions) {
		o.Isolation = level
	}
}

// Begin opens a local transaction that subsequent flushes and cascade loads
// go through.
func (s *Session) Begin(ctx context.Context, opts ...BeginOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.tx != nil {
		return errors.Wrap(errs.InvalidState, "transaction already active")
	}

	var txOptions storage.TxOptions
	for _, opt := range opts {
		opt(&txOptions)
	}
	var (
		tx  storage.Transaction
		err error
	)
	if beginner, ok := s.conn.(storage.TxBeginner); ok {
		tx, err = beginner.BeginTx(ctx, txOptions)
	} else if txOptions.Isolation != storage.LevelDefault {
		return errors.Wrapf(errs.Unsupported, "connection cannot set isolation level %s", txOptions.Isolation)
	} else {
		tx, err = s.conn.Begin(ctx)
	}
	if err != nil {
		return errors.Join(errors.Wrap(err, "failed to begin transaction"), ErrTransaction)
	}
	s.tx = tx
	return nil
}

// Commit flushes, then commits and releases the open transaction if any.
// The transaction is released even when its commit fails.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return errors.WithStack(err)
	}
	if s.tx == nil {
		return nil
	}

	tx := s.tx
	s.tx = nil
	s.savepoints = nil
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(errors.Wrap(err, "failed to commit transaction"), ErrTransaction)
	}
	logger.DebugContext(ctx, "committed transaction")
	return nil
}

// Rollback discards pending writes and deletes without I/O, then rolls back
// and releases the open transaction if any.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.discardPending()
	return s.rollbackTx(ctx)
}

func (s *Session) discardPending() {
	for key := range s.dirty {
		s.identity[key].dirty = false
	}
	clear(s.dirty)
	clear(s.deleted)
}

func (s *Session) rollbackTx(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	s.savepoints = nil
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(errors.Wrap(err, "failed to rollback transaction"), ErrTransaction)
	}
	logger.DebugContext(ctx, "rolled back transaction")
	return nil
}

// Close rolls back the open transaction if any and closes the session for good.
// The session is closed even when the rollback fails.
func (s *Session) Close(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.rollbackTx(ctx)
	s.discardPending()
	clear(s.identity)
	clear(s.keyTypes)
	s.closed = true
	return err
}

func (s *Session) IdentityCount() int { return len(s.identity) }

func (s *Session) DirtyCount() int { return len(s.dirty) }

func (s *Session) DeletedCount() int { return len(s.deleted) }

func (s *Session) HasTransaction() bool { return s.tx != nil }

func (s *Session) IsClosed() bool { return s.closed }

// IsTracked reports whether the key is in the identity map.
func (s *Session) IsTracked(key entity.IdentityKey) bool {
	_, ok := s.identity[key]
	return ok
}

func (s *Session) IsDirty(key entity.IdentityKey) bool {
	_, ok := s.dirty[key]
	return ok
}

func (s *Session) IsDeleted(key entity.IdentityKey) bool {
	_, ok := s.deleted[key]
	return ok
}

// restore decodes a tracked entry into e.
func restore(tracked *entry, key entity.IdentityKey, e entity.Entity) error {
	if typ := indirect(reflect.TypeOf(e)); tracked.typ != typ {
		return errors.Wrapf(errs.InvalidState, "type mismatch in identity map: %s holds %s, not %s", key, tracked.typ, typ)
	}
	if err := json.Unmarshal(tracked.snapshot, e); err != nil {
		return errors.Join(errors.Wrapf(err, "failed to restore %s", key), ErrSerialization)
	}
	return nil
}

func snapshot(e entity.Entity) (*entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Join(errors.WithStack(err), ErrSerialization)
	}
	return &entry{snapshot: data, typ: indirect(reflect.TypeOf(e))}, nil
}

func destType(dest any) (reflect.Type, error) {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, errors.Wrapf(errs.InvalidArgument, "destination must be a non-nil pointer, got %T", dest)
	}
	return indirect(v.Type()), nil
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func sortedKeys(set map[entity.IdentityKey]struct{}) []entity.IdentityKey {
	keys := lo.Keys(set)
	slices.SortFunc(keys, entity.IdentityKey.Compare)
	return keys
}
