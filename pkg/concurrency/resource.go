package concurrency

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	errors "github.com/pkg/errors"
)

// Indicates whether a lock is held in shared (read) or exclusive (write) mode.
type LockMode int

const (
	Shared    LockMode = 0
	Exclusive LockMode = 1
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "SHARED"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// Parse "shared" or "exclusive" (case insensitive).
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(s) {
	case "shared", "s", "read":
		return Shared, nil
	case "exclusive", "x", "write":
		return Exclusive, nil
	}
	return 0, errors.Errorf("unknown lock mode %q", s)
}

// The kind of entity a resource id refers to.
type ResourceType uint8

const (
	NodeResource ResourceType = iota
	RelationshipResource
	IndexEntryResource
	SchemaResource
	LabelResource
	RelationshipTypeResource
	numResourceTypes
)

var resourceTypeNames = [numResourceTypes]string{
	"NODE",
	"RELATIONSHIP",
	"INDEX_ENTRY",
	"SCHEMA",
	"LABEL",
	"RELATIONSHIP_TYPE",
}

// Every known resource type, in declaration order.
func ResourceTypes() []ResourceType {
	types := make([]ResourceType, numResourceTypes)
	for i := range types {
		types[i] = ResourceType(i)
	}
	return types
}

// Valid reports whether rt is one of the declared resource types.
func (rt ResourceType) Valid() bool {
	return rt < numResourceTypes
}

func (rt ResourceType) String() string {
	if !rt.Valid() {
		return fmt.Sprintf("ResourceType(%d)", uint8(rt))
	}
	return resourceTypeNames[rt]
}

// Parse a resource type by name (case insensitive).
func ParseResourceType(s string) (ResourceType, error) {
	upper := strings.ToUpper(s)
	for i, name := range resourceTypeNames {
		if name == upper {
			return ResourceType(i), nil
		}
	}
	return 0, errors.Wrapf(ErrIllegalResource, "unknown resource type %q", s)
}

// A lockable entity. Comparable, so it is used directly as a map key.
type ResourceId struct {
	Type ResourceType
	ID   uint64
}

// Construct a resource id.
func NewResourceId(rt ResourceType, id uint64) ResourceId {
	return ResourceId{Type: rt, ID: id}
}

func (r ResourceId) String() string {
	return fmt.Sprintf("%v(%d)", r.Type, r.ID)
}

// Fixed-width encoding used for hashing.
func (r ResourceId) key() [9]byte {
	var b [9]byte
	b[0] = byte(r.Type)
	binary.BigEndian.PutUint64(b[1:], r.ID)
	return b
}

func (r ResourceId) validate() error {
	if !r.Type.Valid() {
		return errors.Wrapf(ErrIllegalResource, "%v", r)
	}
	return nil
}

// A resource held by a client, with the number of times the client acquired
// it. The count is client-local; the lock manager never sees it.
type LockedResource struct {
	ResourceId
	refs uint32
}

func newLockedResource(r ResourceId) *LockedResource {
	return &LockedResource{ResourceId: r, refs: 1}
}

// Get the local reference count.
func (r *LockedResource) References() uint32 {
	return r.refs
}

// Increment the local reference count.
func (r *LockedResource) AcquireReference() error {
	if r.refs == math.MaxUint32 {
		return errors.Wrapf(ErrReferenceOverflow, "%v", r.ResourceId)
	}
	r.refs++
	return nil
}

// Decrement the local reference count, flooring at zero. Returns the new count.
func (r *LockedResource) ReleaseReference() uint32 {
	if r.refs > 0 {
		r.refs--
	}
	return r.refs
}
