package entity

import (
	"cmp"
	"strconv"

	"github.com/google/uuid"
)

// Entity is a persistable object tracked by a session.
type Entity interface {
	// EntityKind returns the kind (table) the entity belongs to.
	EntityKind() string

	// PrimaryKey returns the entity primary key, ok is false if the key is not set yet.
	PrimaryKey() (pk PrimaryKey, ok bool)
}

type keyType uint8

const (
	keyTypeUnset keyType = iota
	keyTypeInt
	keyTypeString
	keyTypeUUID
)

// PrimaryKey is a scalar primary key value. The zero value is an unset key.
// PrimaryKey is comparable and can be used as (part of) a map key.
type PrimaryKey struct {
	typ keyType
	i   int64
	s   string
	u   uuid.UUID
}

// Int returns an integer primary key.
func Int(v int64) PrimaryKey {
	return PrimaryKey{typ: keyTypeInt, i: v}
}

// String returns a string primary key.
func String(v string) PrimaryKey {
	return PrimaryKey{typ: keyTypeString, s: v}
}

// UUID returns a UUID primary key.
func UUID(v uuid.UUID) PrimaryKey {
	return PrimaryKey{typ: keyTypeUUID, u: v}
}

// IsZero reports whether the key is unset.
func (k PrimaryKey) IsZero() bool {
	return k.typ == keyTypeUnset
}

// Int64 returns the integer value of an integer key.
func (k PrimaryKey) Int64() (int64, bool) {
	return k.i, k.typ == keyTypeInt
}

// TypeName names the variant of the key: "int", "string", "uuid" or "unset".
func (k PrimaryKey) TypeName() string {
	switch k.typ {
	case keyTypeInt:
		return "int"
	case keyTypeString:
		return "string"
	case keyTypeUUID:
		return "uuid"
	default:
		return "unset"
	}
}

// String renders the scalar value of the key.
func (k PrimaryKey) String() string {
	switch k.typ {
	case keyTypeInt:
		return strconv.FormatInt(k.i, 10)
	case keyTypeString:
		return k.s
	case keyTypeUUID:
		return k.u.String()
	default:
		return ""
	}
}

// Compare returns -1, 0 or +1 ordering keys by type first, then by value.
func (k PrimaryKey) Compare(other PrimaryKey) int {
	if c := cmp.Compare(k.typ, other.typ); c != 0 {
		return c
	}
	switch k.typ {
	case keyTypeInt:
		return cmp.Compare(k.i, other.i)
	case keyTypeString:
		return cmp.Compare(k.s, other.s)
	case keyTypeUUID:
		return cmp.Compare(k.u.String(), other.u.String())
	default:
		return 0
	}
}

// IdentityKey identifies one entity within a session: two keys are equal iff
// both the kind and the primary key are equal.
type IdentityKey struct {
	Kind string
	PK   PrimaryKey
}

// NewIdentityKey returns the identity key of the given kind and primary key.
func NewIdentityKey(kind string, pk PrimaryKey) IdentityKey {
	return IdentityKey{Kind: kind, PK: pk}
}

// KeyOf returns the identity key of e, ok is false if e has no primary key.
func KeyOf(e Entity) (key IdentityKey, ok bool) {
	pk, ok := e.PrimaryKey()
	if !ok || pk.IsZero() {
		return IdentityKey{}, false
	}
	return IdentityKey{Kind: e.EntityKind(), PK: pk}, true
}

// String renders the key as "kind:pk". Only meant for logs and messages.
func (k IdentityKey) String() string {
	return k.Kind + ":" + k.PK.String()
}

// Compare orders keys by kind, then by primary key.
func (k IdentityKey) Compare(other IdentityKey) int {
	if c := cmp.Compare(k.Kind, other.Kind); c != 0 {
		return c
	}
	return k.PK.Compare(other.PK)
}
