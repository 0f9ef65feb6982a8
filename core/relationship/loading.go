package relationship

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
)

// LoadingStrategy controls when and how related entities are fetched.
type LoadingStrategy uint8

const (
	// Lazy loads on first access.
	Lazy LoadingStrategy = iota + 1
	// Joined loads together with the parent through a join.
	Joined
	// Subquery loads with one extra query per parent set.
	Subquery
	// SelectIn loads with one IN query for all parents of a batch.
	SelectIn
	// Dynamic returns a query builder instead of a collection.
	Dynamic
	// Raise forbids implicit loading. Accessing the relationship is a programming error.
	Raise
	// NoLoad never loads: access yields an empty result.
	NoLoad
	// WriteOnly accepts writes but access yields an empty result.
	WriteOnly
)

var loadingNames = map[LoadingStrategy]string{
	Lazy:      "select",
	Joined:    "joined",
	Subquery:  "subquery",
	SelectIn:  "selectin",
	Dynamic:   "dynamic",
	Raise:     "raise",
	NoLoad:    "noload",
	WriteOnly: "write_only",
}

func (s LoadingStrategy) String() string {
	if name, ok := loadingNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoadingStrategy(%d)", uint8(s))
}

// Loads reports whether accessing the relationship performs I/O.
func (s LoadingStrategy) Loads() bool {
	switch s {
	case Raise, NoLoad, WriteOnly:
		return false
	default:
		return true
	}
}

// ParseLoadingStrategy parses a strategy name (case-insensitive). "lazy" is an
// alias of "select" and "eager" an alias of "joined".
func ParseLoadingStrategy(name string) (LoadingStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "select", "lazy":
		return Lazy, nil
	case "joined", "eager":
		return Joined, nil
	case "subquery":
		return Subquery, nil
	case "selectin":
		return SelectIn, nil
	case "dynamic":
		return Dynamic, nil
	case "raise":
		return Raise, nil
	case "noload":
		return NoLoad, nil
	case "write_only", "writeonly":
		return WriteOnly, nil
	default:
		return 0, errors.Wrapf(errs.InvalidArgument, "unknown loading strategy %q", name)
	}
}

// RaiseError is the panic value of an implicit access to a Raise relationship.
type RaiseError struct {
	Relationship string
	Parent       entity.IdentityKey
}

func (e *RaiseError) Error() string {
	return fmt.Sprintf("relationship %q of %s is configured with the raise strategy and cannot be loaded implicitly", e.Relationship, e.Parent)
}

type accessOptions struct {
	eager bool
}

// AccessOption configures a single Access call.
type AccessOption func(*accessOptions)

// Eager marks the access as an explicit load (e.g. an eager-loading option on
// the query) that is allowed even for Raise relationships.
func Eager() AccessOption {
	return func(o *accessOptions) {
		o.eager = true
	}
}

// Access resolves the relationship of parent according to the policy loading
// strategy.
//
// Implicit access to a Raise relationship panics with a *RaiseError, it is not
// a recoverable runtime error. NoLoad and WriteOnly return an empty result
// without calling the loader. Every other strategy delegates to the loader.
func Access(ctx context.Context, loader Loader, parent entity.IdentityKey, policy Policy, opts ...AccessOption) ([]entity.Entity, error) {
	var o accessOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch policy.Loading {
	case Raise:
		if !o.eager {
			panic(errors.WithStack(&RaiseError{Relationship: policy.Name, Parent: parent}))
		}
	case NoLoad, WriteOnly:
		return nil, nil
	}

	if loader == nil {
		return nil, errors.Wrapf(errs.InvalidState, "no loader for relationship %q", policy.Name)
	}
	related, err := loader.Load(ctx, parent, policy)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load relationship %q of %s", policy.Name, parent)
	}
	return related, nil
}
