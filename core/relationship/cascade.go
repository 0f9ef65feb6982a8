package relationship

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// CascadeOption is an operation that may cascade from a parent to its children.
type CascadeOption uint8

const (
	All CascadeOption = iota
	Delete
	SaveUpdate
	Merge
	Expunge
	DeleteOrphan
	Refresh
)

var cascadeNames = map[CascadeOption]string{
	All:          "all",
	Delete:       "delete",
	SaveUpdate:   "save-update",
	Merge:        "merge",
	Expunge:      "expunge",
	DeleteOrphan: "delete-orphan",
	Refresh:      "refresh",
}

var cascadeTokens = map[string]CascadeOption{
	"all":           All,
	"delete":        Delete,
	"save-update":   SaveUpdate,
	"merge":         Merge,
	"expunge":       Expunge,
	"delete-orphan": DeleteOrphan,
	"refresh":       Refresh,
}

func (o CascadeOption) String() string {
	if name, ok := cascadeNames[o]; ok {
		return name
	}
	return "unknown"
}

// CascadeSet is a set of cascade options.
type CascadeSet uint16

// NewCascadeSet returns a set holding the given options.
func NewCascadeSet(options ...CascadeOption) CascadeSet {
	return CascadeSet(0).With(options...)
}

// With returns a copy of the set with the given options added.
func (s CascadeSet) With(options ...CascadeOption) CascadeSet {
	for _, o := range options {
		s |= 1 << o
	}
	return s
}

// Has reports whether the option is in the set.
func (s CascadeSet) Has(o CascadeOption) bool {
	return s&(1<<o) != 0
}

// HasAny reports whether any of the options is in the set.
func (s CascadeSet) HasAny(options ...CascadeOption) bool {
	for _, o := range options {
		if s.Has(o) {
			return true
		}
	}
	return false
}

// Len returns the number of options in the set.
func (s CascadeSet) Len() int {
	return len(s.Options())
}

// Options returns the options of the set in declaration order.
func (s CascadeSet) Options() []CascadeOption {
	options := make([]CascadeOption, 0, len(cascadeNames))
	for o := All; o <= Refresh; o++ {
		if s.Has(o) {
			options = append(options, o)
		}
	}
	return options
}

func (s CascadeSet) String() string {
	options := s.Options()
	names := make([]string, 0, len(options))
	for _, o := range options {
		names = append(names, o.String())
	}
	return strings.Join(names, ", ")
}

// ErrUnknownCascade is returned by ParseCascadeStrict for unrecognized tokens.
var ErrUnknownCascade = errors.New("unknown cascade option")

// ParseCascade parses a comma-separated cascade list such as "all, delete-orphan".
// Tokens are case-insensitive. Unrecognized tokens are left out of the set and
// returned as unknown.
func ParseCascade(cascade string) (set CascadeSet, unknown []string) {
	for _, token := range strings.Split(cascade, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		option, ok := cascadeTokens[token]
		if !ok {
			unknown = append(unknown, token)
			continue
		}
		set = set.With(option)
	}
	return set, unknown
}

// ParseCascadeStrict is like ParseCascade but fails on the first unrecognized token.
func ParseCascadeStrict(cascade string) (CascadeSet, error) {
	set, unknown := ParseCascade(cascade)
	if len(unknown) > 0 {
		return 0, errors.Wrapf(ErrUnknownCascade, "%q", unknown[0])
	}
	return set, nil
}
