package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/core/relationship"
)

// DecodeFunc turns a stored row back into an entity.
type DecodeFunc func(row Row) (entity.Entity, error)

// Loader is a relationship.Loader that reads related snapshots from a database.
type Loader struct {
	db     Database
	decode DecodeFunc
}

var _ relationship.Loader = (*Loader)(nil)

func NewLoader(db Database, decode DecodeFunc) *Loader {
	return &Loader{db: db, decode: decode}
}

// WithDatabase returns a copy of the loader reading through db, such as the
// open transaction of a session.
func (l *Loader) WithDatabase(db Database) relationship.Loader {
	return &Loader{db: db, decode: l.decode}
}

// Load returns the entities related to parent.
//   - OneToMany and OneToOne select the children whose foreign key field equals the parent key.
//   - ManyToOne reads the foreign key field of the parent and selects that target.
func (l *Loader) Load(ctx context.Context, parent entity.IdentityKey, policy relationship.Policy) ([]entity.Entity, error) {
	if policy.ForeignKey == "" {
		return nil, errors.Wrapf(errs.InvalidArgument, "relationship %q has no foreign key", policy.Name)
	}

	switch policy.Cardinality {
	case relationship.OneToMany, relationship.OneToOne:
		stmt := SelectBy(policy.ChildKind, policy.ForeignKey, parent.PK.String())
		if policy.OrderBy != "" {
			stmt = stmt.Ordered(policy.OrderBy)
		}
		rows, err := l.db.QueryAll(ctx, stmt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select %s", policy.ChildKind)
		}
		if policy.Cardinality == relationship.OneToOne && len(rows) > 1 {
			rows = rows[:1]
		}
		return l.decodeAll(rows)
	case relationship.ManyToOne:
		row, err := l.db.QueryOptional(ctx, Select(parent.Kind, parent.PK.String()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select parent %s", parent)
		}
		if row == nil {
			return nil, nil
		}
		target, ok, err := payloadField(row.Payload, policy.ForeignKey)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if !ok {
			return nil, nil
		}
		row, err = l.db.QueryOptional(ctx, Select(policy.ChildKind, target))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select %s:%s", policy.ChildKind, target)
		}
		if row == nil {
			return nil, nil
		}
		return l.decodeAll([]Row{*row})
	default:
		return nil, errors.Wrapf(errs.Unsupported, "%s relationship %q", policy.Cardinality, policy.Name)
	}
}

func (l *Loader) decodeAll(rows []Row) ([]entity.Entity, error) {
	entities := make([]entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := l.decode(row)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s:%s", row.Kind, row.Key)
		}
		entities = append(entities, e)
	}
	return entities, nil
}
