package relationship

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
)

// Registry holds the relationship policies declared for each parent kind.
// It's safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string][]Policy
}

// NewRegistry returns a registry holding the given policies.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string][]Policy)}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return r, nil
}

// Register validates and adds a policy. Names are unique per parent kind.
func (r *Registry) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return errors.WithStack(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.policies[p.ParentKind], func(existing Policy) bool { return existing.Name == p.Name }) {
		return errors.Wrapf(errs.InvalidArgument, "relationship %q already registered for %q", p.Name, p.ParentKind)
	}
	r.policies[p.ParentKind] = append(r.policies[p.ParentKind], p)
	return nil
}

// For returns the policies of a parent kind in registration order.
func (r *Registry) For(kind string) []Policy {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.policies[kind])
}

// Lookup returns the named policy of a parent kind.
func (r *Registry) Lookup(kind, name string) (Policy, bool) {
	for _, p := range r.For(kind) {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}
