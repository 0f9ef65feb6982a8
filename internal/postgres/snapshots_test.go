package postgres

import (
	"testing"

	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectQuery(t *testing.T) {
	type testcase struct {
		name     string
		stmt     storage.Statement
		expected string
		args     []any
	}
	testcases := []testcase{
		{
			name:     "by key",
			stmt:     storage.Select("users", "1"),
			expected: "SELECT kind, pk, payload FROM entity_snapshots WHERE kind = $1 AND pk = $2 ORDER BY pk",
			args:     []any{"users", "1"},
		},
		{
			name:     "whole kind",
			stmt:     storage.Select("users", ""),
			expected: "SELECT kind, pk, payload FROM entity_snapshots WHERE kind = $1 ORDER BY pk",
			args:     []any{"users"},
		},
		{
			name:     "filtered and ordered",
			stmt:     storage.SelectBy("posts", "user_id", "1").Ordered("title"),
			expected: "SELECT kind, pk, payload FROM entity_snapshots WHERE kind = $1 AND payload->>$2 = $3 ORDER BY payload->>$4, pk",
			args:     []any{"posts", "user_id", "1", "title"},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			query, args, err := selectQuery(tc.stmt)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, query)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestSelectQueryInvalid(t *testing.T) {
	_, _, err := selectQuery(storage.Delete("users", "1"))
	assert.ErrorIs(t, err, errs.InvalidArgument)

	_, _, err = selectQuery(storage.Select("", "1"))
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestCheckWrite(t *testing.T) {
	assert.NoError(t, checkWrite(storage.Upsert("users", "1", []byte(`{}`))))
	assert.NoError(t, checkWrite(storage.Delete("users", "1")))
	assert.ErrorIs(t, checkWrite(storage.Select("users", "1")), errs.InvalidArgument)
	assert.ErrorIs(t, checkWrite(storage.Delete("users", "")), errs.InvalidArgument)
}

func TestConfigString(t *testing.T) {
	assert.Equal(t, "host=127.0.0.1 dbname=postgres port=5432 sslmode=prefer", Config{}.String())
	assert.Equal(t, "host=db dbname=app port=6432 sslmode=disable user=u password=p",
		Config{Host: "db", DBName: "app", Port: "6432", SSLMode: "disable", User: "u", Password: "p"}.String())
	assert.Equal(t, "postgres://x", Config{Host: "db", URL: "postgres://x"}.String())
}

func TestPgxTxOptions(t *testing.T) {
	type testcase struct {
		level    storage.IsolationLevel
		expected pgx.TxIsoLevel
	}
	testcases := []testcase{
		{level: storage.LevelDefault, expected: ""},
		{level: storage.ReadCommitted, expected: pgx.ReadCommitted},
		{level: storage.RepeatableRead, expected: pgx.RepeatableRead},
		{level: storage.Serializable, expected: pgx.Serializable},
	}
	for _, tc := range testcases {
		t.Run(tc.level.String(), func(t *testing.T) {
			opts, err := pgxTxOptions(storage.TxOptions{Isolation: tc.level})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, opts.IsoLevel)
		})
	}

	_, err := pgxTxOptions(storage.TxOptions{Isolation: 9})
	assert.ErrorIs(t, err, errs.InvalidArgument)
}
