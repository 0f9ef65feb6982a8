package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/core/relationship"
	"github.com/gaze-network/txcore/core/session"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Account struct {
	ID     int64  `json:"id"`
	Owner  string `json:"owner"`
	Rank   int    `json:"rank"`
	Active bool   `json:"active"`
}

func (a *Account) EntityKind() string { return "accounts" }

func (a *Account) PrimaryKey() (entity.PrimaryKey, bool) { return entity.Int(a.ID), true }

type Owner struct {
	Name string `json:"name"`
}

func (o *Owner) EntityKind() string { return "owners" }

func (o *Owner) PrimaryKey() (entity.PrimaryKey, bool) { return entity.String(o.Name), o.Name != "" }

func decodeRow(row storage.Row) (entity.Entity, error) {
	var e entity.Entity
	switch row.Kind {
	case "owners":
		e = &Owner{}
	case "accounts":
		e = &Account{}
	default:
		return nil, errors.Wrapf(errs.Unsupported, "kind %q", row.Kind)
	}
	return e, errors.WithStack(json.Unmarshal(row.Payload, e))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreStatements(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	for key, payload := range map[string]string{
		"1": `{"id":1,"owner":"alice","rank":2}`,
		"2": `{"id":2,"owner":"bob","rank":1}`,
		"3": `{"id":3,"owner":"alice","rank":3}`,
	} {
		n, err := store.Execute(ctx, storage.Upsert("accounts", key, []byte(payload)))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	}

	row, err := store.QueryOne(ctx, storage.Select("accounts", "2"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"owner":"bob","rank":1}`, string(row.Payload))

	_, err = store.QueryOne(ctx, storage.Select("accounts", "9"))
	assert.ErrorIs(t, err, errs.NotFound)

	row, err = store.QueryOptional(ctx, storage.Select("accounts", "9"))
	require.NoError(t, err)
	assert.Nil(t, row)

	rows, err := store.QueryAll(ctx, storage.SelectBy("accounts", "owner", "alice").Ordered("rank"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].Key)
	assert.Equal(t, "3", rows[1].Key)

	rows, err = store.QueryAll(ctx, storage.SelectBy("accounts", "rank", "1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].Key)

	n, err := store.Execute(ctx, storage.Delete("accounts", "2"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = store.Execute(ctx, storage.Delete("accounts", "2"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	rows, err = store.QueryAll(ctx, storage.Select("accounts", ""))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStoreInvalidStatements(t *testing.T) {
	type testcase struct {
		name string
		stmt storage.Statement
	}
	testcases := []testcase{
		{name: "select as write", stmt: storage.Select("accounts", "1")},
		{name: "missing kind", stmt: storage.Upsert("", "1", []byte(`{}`))},
		{name: "missing key", stmt: storage.Delete("accounts", "")},
	}

	store := openStore(t)
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Execute(context.Background(), tc.stmt)
			assert.ErrorIs(t, err, errs.InvalidArgument)
		})
	}

	_, err := store.QueryAll(context.Background(), storage.Upsert("accounts", "1", nil))
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestStoreTransaction(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, storage.Upsert("accounts", "1", []byte(`{"id":1}`)))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback is idempotent")

	rows, err := store.QueryAll(ctx, storage.Select("accounts", ""))
	require.NoError(t, err)
	assert.Empty(t, rows)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, storage.Upsert("accounts", "1", []byte(`{"id":1}`)))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), errs.InvalidState)

	rows, err = store.QueryAll(ctx, storage.Select("accounts", ""))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	s, err := session.New(store)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Add(ctx, &Account{ID: 1, Owner: "alice", Rank: 1, Active: true}))
	require.NoError(t, s.Add(ctx, &Account{ID: 2, Owner: "bob"}))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Close(ctx))

	s, err = session.New(store)
	require.NoError(t, err)
	var got Account
	require.NoError(t, s.Find(ctx, "accounts", entity.Int(1), &got))
	assert.Equal(t, Account{ID: 1, Owner: "alice", Rank: 1, Active: true}, got)

	require.NoError(t, s.Delete(ctx, &got))
	require.NoError(t, s.Flush(ctx))

	err = s.Find(ctx, "accounts", entity.Int(1), &got)
	assert.True(t, errors.Is(err, session.ErrObjectNotFound))

	other, err := session.New(store)
	require.NoError(t, err)
	err = other.Find(ctx, "accounts", entity.Int(1), &got)
	assert.ErrorIs(t, err, session.ErrObjectNotFound)
	require.NoError(t, other.Find(ctx, "accounts", entity.Int(2), &got))
	assert.Equal(t, "bob", got.Owner)
}

func TestSessionCascadeInsideTransaction(t *testing.T) {
	// the in-memory database has a single connection, held by the transaction
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := openStore(t)
	registry, err := relationship.NewRegistry(
		relationship.New("accounts", "owners", "accounts", relationship.OneToMany).
			WithForeignKey("owner").
			WithCascade("all"),
	)
	require.NoError(t, err)
	s, err := session.New(store, session.WithRelationships(registry, storage.NewLoader(store, decodeRow)))
	require.NoError(t, err)

	owner := &Owner{Name: "alice"}
	accounts := []*Account{{ID: 1, Owner: "alice"}, {ID: 2, Owner: "alice"}}
	require.NoError(t, s.Begin(ctx, session.WithIsolation(storage.Serializable)))
	require.NoError(t, s.Add(ctx, owner))
	for _, account := range accounts {
		require.NoError(t, s.Add(ctx, account))
	}
	require.NoError(t, s.Flush(ctx))
	for _, account := range accounts {
		require.NoError(t, s.Expunge(ctx, account))
	}

	require.NoError(t, s.Delete(ctx, owner))
	assert.Equal(t, 3, s.DeletedCount())
	require.NoError(t, s.Commit(ctx))

	rows, err := store.QueryAll(ctx, storage.Select("accounts", ""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSessionSavepoint(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s, err := session.New(store)
	require.NoError(t, err)

	errAborted := errors.New("aborted")
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Add(ctx, &Account{ID: 1, Owner: "alice"}))
	err = s.Atomic(ctx, func(ctx context.Context) error {
		if err := s.Add(ctx, &Account{ID: 2, Owner: "bob"}); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
		return errAborted
	})
	assert.ErrorIs(t, err, errAborted)
	require.NoError(t, s.Commit(ctx))

	rows, err := store.QueryAll(ctx, storage.Select("accounts", ""))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Key)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	assert.ErrorIs(t, tx.(storage.Savepointer).Savepoint(ctx, "bad name"), errs.InvalidArgument)
}
