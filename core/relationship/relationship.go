package relationship

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
)

// Cardinality is the cardinality of a relationship between two entity kinds.
type Cardinality uint8

const (
	OneToOne Cardinality = iota + 1
	OneToMany
	ManyToOne
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToOne:
		return "many-to-one"
	case ManyToMany:
		return "many-to-many"
	default:
		return fmt.Sprintf("Cardinality(%d)", uint8(c))
	}
}

// Policy describes a relationship from a parent kind to a child kind: its
// cardinality, how related rows are fetched and which operations cascade.
type Policy struct {
	Name        string
	ParentKind  string
	ChildKind   string
	Cardinality Cardinality
	Loading     LoadingStrategy
	Cascade     CascadeSet

	// ForeignKey is the field holding the referenced key. It lives on the child
	// for OneToOne/OneToMany and on the parent for ManyToOne.
	ForeignKey string
	OrderBy    string

	// Secondary is the association kind of a ManyToMany relationship.
	Secondary     string
	BackPopulates string

	// ViewOnly relationships are read-only: they never cascade.
	ViewOnly bool
}

// New returns a lazily loaded policy without cascades.
func New(name, parentKind, childKind string, cardinality Cardinality) Policy {
	return Policy{
		Name:        name,
		ParentKind:  parentKind,
		ChildKind:   childKind,
		Cardinality: cardinality,
		Loading:     Lazy,
	}
}

func (p Policy) WithLoading(strategy LoadingStrategy) Policy {
	p.Loading = strategy
	return p
}

func (p Policy) WithForeignKey(field string) Policy {
	p.ForeignKey = field
	return p
}

func (p Policy) WithOrderBy(field string) Policy {
	p.OrderBy = field
	return p
}

func (p Policy) WithSecondary(kind string) Policy {
	p.Secondary = kind
	return p
}

func (p Policy) WithBackPopulates(name string) Policy {
	p.BackPopulates = name
	return p
}

func (p Policy) AsViewOnly() Policy {
	p.ViewOnly = true
	return p
}

func (p Policy) WithCascadeOption(options ...CascadeOption) Policy {
	p.Cascade = p.Cascade.With(options...)
	return p
}

// WithCascade adds the cascade options of a comma-separated list such as
// "all, delete-orphan". Unrecognized tokens are dropped with a warning.
func (p Policy) WithCascade(cascade string) Policy {
	set, unknown := ParseCascade(cascade)
	if len(unknown) > 0 {
		logger.Warn("dropped unrecognized cascade options",
			slogx.String("relationship", p.Name),
			slogx.Any("options", unknown),
		)
	}
	p.Cascade = p.Cascade.With(set.Options()...)
	return p
}

// CascadesSave reports whether adding the parent to a session adds its children.
func (p Policy) CascadesSave() bool {
	return !p.ViewOnly && p.Cascade.HasAny(All, SaveUpdate)
}

// CascadesDelete reports whether deleting the parent deletes its children.
func (p Policy) CascadesDelete() bool {
	return !p.ViewOnly && p.Cascade.HasAny(All, Delete, DeleteOrphan)
}

// CascadesExpunge reports whether expunging the parent expunges its children.
func (p Policy) CascadesExpunge() bool {
	return !p.ViewOnly && p.Cascade.HasAny(All, Expunge)
}

// Validate checks that the policy is complete enough to be registered.
func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return errors.Wrap(errs.InvalidArgument, "relationship name is required")
	case p.ParentKind == "" || p.ChildKind == "":
		return errors.Wrapf(errs.InvalidArgument, "relationship %q requires parent and child kinds", p.Name)
	case p.Cardinality < OneToOne || p.Cardinality > ManyToMany:
		return errors.Wrapf(errs.InvalidArgument, "relationship %q has an invalid cardinality", p.Name)
	case p.Loading < Lazy || p.Loading > WriteOnly:
		return errors.Wrapf(errs.InvalidArgument, "relationship %q has an invalid loading strategy", p.Name)
	case p.Cardinality == ManyToMany && p.Secondary == "":
		return errors.Wrapf(errs.InvalidArgument, "many-to-many relationship %q requires a secondary kind", p.Name)
	}
	return nil
}

// Loader fetches the entities related to a parent through a policy.
type Loader interface {
	Load(ctx context.Context, parent entity.IdentityKey, policy Policy) ([]entity.Entity, error)
}

// Parent is implemented by entities that hold related children in memory.
// Cascades use the in-memory children of a Parent instead of loading them,
// ok is false when the collection of that relationship is not populated.
type Parent interface {
	entity.Entity
	Related(relationship string) (children []entity.Entity, ok bool)
}

// LoaderFunc is an adapter to allow the use of ordinary functions as a Loader.
type LoaderFunc func(ctx context.Context, parent entity.IdentityKey, policy Policy) ([]entity.Entity, error)

func (f LoaderFunc) Load(ctx context.Context, parent entity.IdentityKey, policy Policy) ([]entity.Entity, error) {
	return f(ctx, parent, policy)
}
