package relationship

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCascade(t *testing.T) {
	type testcase struct {
		name     string
		input    string
		expected []CascadeOption
		unknown  []string
	}
	testcases := []testcase{
		{
			name:     "single option",
			input:    "delete",
			expected: []CascadeOption{Delete},
		},
		{
			name:     "mixed case and whitespace",
			input:    "  ALL , Delete-Orphan",
			expected: []CascadeOption{All, DeleteOrphan},
		},
		{
			name:     "every option",
			input:    "all, delete, save-update, merge, expunge, delete-orphan, refresh",
			expected: []CascadeOption{All, Delete, SaveUpdate, Merge, Expunge, DeleteOrphan, Refresh},
		},
		{
			name:     "duplicates collapse",
			input:    "merge,merge,MERGE",
			expected: []CascadeOption{Merge},
		},
		{
			name:     "unknown tokens are dropped",
			input:    "save-update, bogus, refresh",
			expected: []CascadeOption{SaveUpdate, Refresh},
			unknown:  []string{"bogus"},
		},
		{
			name:     "empty",
			input:    "",
			expected: []CascadeOption{},
		},
		{
			name:     "only separators",
			input:    " , ,",
			expected: []CascadeOption{},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			set, unknown := ParseCascade(tc.input)
			assert.Equal(t, tc.expected, set.Options())
			assert.Equal(t, tc.unknown, unknown)
		})
	}
}

func TestParseCascadeStrict(t *testing.T) {
	set, err := ParseCascadeStrict("all, delete-orphan")
	require.NoError(t, err)
	assert.Equal(t, NewCascadeSet(All, DeleteOrphan), set)
	assert.Equal(t, "all, delete-orphan", set.String())

	_, err = ParseCascadeStrict("all, nope")
	assert.ErrorIs(t, err, ErrUnknownCascade)
}

func TestCascadePredicates(t *testing.T) {
	type testcase struct {
		name    string
		policy  Policy
		save    bool
		delete  bool
		expunge bool
	}
	base := New("posts", "users", "posts", OneToMany)
	testcases := []testcase{
		{name: "no cascade", policy: base},
		{name: "all", policy: base.WithCascade("all"), save: true, delete: true, expunge: true},
		{name: "save-update", policy: base.WithCascade("save-update"), save: true},
		{name: "delete-orphan", policy: base.WithCascade("delete-orphan"), delete: true},
		{name: "expunge", policy: base.WithCascadeOption(Expunge), expunge: true},
		{name: "merge does not cascade writes", policy: base.WithCascade("merge, refresh")},
		{name: "view only never cascades", policy: base.WithCascade("all").AsViewOnly()},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.save, tc.policy.CascadesSave())
			assert.Equal(t, tc.delete, tc.policy.CascadesDelete())
			assert.Equal(t, tc.expunge, tc.policy.CascadesExpunge())
		})
	}
}

func TestPolicyBuilder(t *testing.T) {
	p := New("tags", "posts", "tags", ManyToMany).
		WithLoading(SelectIn).
		WithSecondary("post_tags").
		WithBackPopulates("posts").
		WithOrderBy("name").
		WithForeignKey("post_id")

	assert.Equal(t, SelectIn, p.Loading)
	assert.Equal(t, "post_tags", p.Secondary)
	assert.Equal(t, "posts", p.BackPopulates)
	assert.Equal(t, "name", p.OrderBy)
	assert.Equal(t, "post_id", p.ForeignKey)
	assert.NoError(t, p.Validate())

	assert.Equal(t, Lazy, New("x", "a", "b", OneToOne).Loading)
}

func TestPolicyValidate(t *testing.T) {
	type testcase struct {
		name   string
		policy Policy
	}
	testcases := []testcase{
		{name: "missing name", policy: New("", "a", "b", OneToMany)},
		{name: "missing kinds", policy: New("x", "", "b", OneToMany)},
		{name: "invalid cardinality", policy: New("x", "a", "b", 0)},
		{name: "invalid loading", policy: New("x", "a", "b", OneToMany).WithLoading(99)},
		{name: "many-to-many without secondary", policy: New("x", "a", "b", ManyToMany)},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.policy.Validate(), errs.InvalidArgument)
		})
	}
}

func TestParseLoadingStrategy(t *testing.T) {
	type testcase struct {
		input    string
		expected LoadingStrategy
	}
	testcases := []testcase{
		{input: "select", expected: Lazy},
		{input: "lazy", expected: Lazy},
		{input: "Joined", expected: Joined},
		{input: "eager", expected: Joined},
		{input: "subquery", expected: Subquery},
		{input: "selectin", expected: SelectIn},
		{input: "dynamic", expected: Dynamic},
		{input: "RAISE", expected: Raise},
		{input: "noload", expected: NoLoad},
		{input: "write_only", expected: WriteOnly},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			actual, err := ParseLoadingStrategy(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
			assert.Equal(t, tc.expected, mustParse(t, actual.String()))
		})
	}

	_, err := ParseLoadingStrategy("sometimes")
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func mustParse(t *testing.T, name string) LoadingStrategy {
	t.Helper()
	s, err := ParseLoadingStrategy(name)
	require.NoError(t, err)
	return s
}

type post struct {
	id int64
}

func (p post) EntityKind() string { return "posts" }

func (p post) PrimaryKey() (entity.PrimaryKey, bool) { return entity.Int(p.id), true }

func countingLoader(calls *int) Loader {
	return LoaderFunc(func(ctx context.Context, parent entity.IdentityKey, policy Policy) ([]entity.Entity, error) {
		*calls++
		return []entity.Entity{post{id: 1}, post{id: 2}}, nil
	})
}

func TestAccess(t *testing.T) {
	ctx := context.Background()
	parent := entity.NewIdentityKey("users", entity.Int(1))
	base := New("posts", "users", "posts", OneToMany)

	t.Run("loading strategies call the loader", func(t *testing.T) {
		for _, s := range []LoadingStrategy{Lazy, Joined, Subquery, SelectIn, Dynamic} {
			calls := 0
			related, err := Access(ctx, countingLoader(&calls), parent, base.WithLoading(s))
			require.NoError(t, err)
			assert.Len(t, related, 2, s.String())
			assert.Equal(t, 1, calls, s.String())
		}
	})

	t.Run("noload and write_only are empty without I/O", func(t *testing.T) {
		for _, s := range []LoadingStrategy{NoLoad, WriteOnly} {
			calls := 0
			related, err := Access(ctx, countingLoader(&calls), parent, base.WithLoading(s))
			require.NoError(t, err)
			assert.Empty(t, related, s.String())
			assert.Zero(t, calls, s.String())
		}
	})

	t.Run("raise panics on implicit access", func(t *testing.T) {
		calls := 0
		policy := base.WithLoading(Raise)

		var recovered any
		func() {
			defer func() { recovered = recover() }()
			_, _ = Access(ctx, countingLoader(&calls), parent, policy)
		}()

		err, ok := recovered.(error)
		require.True(t, ok, "expected an error panic value")
		var raiseErr *RaiseError
		require.True(t, errors.As(err, &raiseErr))
		assert.Equal(t, "posts", raiseErr.Relationship)
		assert.Equal(t, parent, raiseErr.Parent)
		assert.Zero(t, calls)
	})

	t.Run("raise allows explicit eager access", func(t *testing.T) {
		calls := 0
		related, err := Access(ctx, countingLoader(&calls), parent, base.WithLoading(Raise), Eager())
		require.NoError(t, err)
		assert.Len(t, related, 2)
		assert.Equal(t, 1, calls)
	})

	t.Run("loader errors are wrapped", func(t *testing.T) {
		failing := LoaderFunc(func(context.Context, entity.IdentityKey, Policy) ([]entity.Entity, error) {
			return nil, errs.NotFound
		})
		_, err := Access(ctx, failing, parent, base)
		assert.ErrorIs(t, err, errs.NotFound)
	})

	t.Run("missing loader", func(t *testing.T) {
		_, err := Access(ctx, nil, parent, base)
		assert.ErrorIs(t, err, errs.InvalidState)
	})
}

func TestRegistry(t *testing.T) {
	posts := New("posts", "users", "posts", OneToMany).WithForeignKey("user_id")
	profile := New("profile", "users", "profiles", OneToOne).WithForeignKey("user_id")

	r, err := NewRegistry(posts, profile)
	require.NoError(t, err)

	assert.Equal(t, []Policy{posts, profile}, r.For("users"))
	assert.Empty(t, r.For("posts"))

	p, ok := r.Lookup("users", "profile")
	assert.True(t, ok)
	assert.Equal(t, profile, p)

	_, ok = r.Lookup("users", "comments")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Register(posts), errs.InvalidArgument)

	_, err = NewRegistry(New("", "a", "b", OneToOne))
	assert.ErrorIs(t, err, errs.InvalidArgument)

	var nilRegistry *Registry
	assert.Empty(t, nilRegistry.For("users"))
}
