package concurrency

import (
	"math"
	"testing"

	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceIdIsComparable(t *testing.T) {
	m := map[ResourceId]int{}
	m[NewResourceId(NodeResource, 1)] = 1
	m[NewResourceId(NodeResource, 1)]++
	m[NewResourceId(RelationshipResource, 1)] = 5
	assert.Equal(t, 2, m[NewResourceId(NodeResource, 1)])
	assert.Len(t, m, 2)
	assert.Equal(t, "NODE(1)", NewResourceId(NodeResource, 1).String())
}

func TestReferenceCounting(t *testing.T) {
	r := newLockedResource(NewResourceId(NodeResource, 7))
	assert.Equal(t, uint32(1), r.References())
	require.NoError(t, r.AcquireReference())
	assert.Equal(t, uint32(2), r.References())
	assert.Equal(t, uint32(1), r.ReleaseReference())
	assert.Equal(t, uint32(0), r.ReleaseReference())
	// Floors at zero.
	assert.Equal(t, uint32(0), r.ReleaseReference())
}

func TestReferenceOverflow(t *testing.T) {
	r := newLockedResource(NewResourceId(NodeResource, 7))
	r.refs = math.MaxUint32
	err := r.AcquireReference()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReferenceOverflow))
	assert.Equal(t, uint32(math.MaxUint32), r.References())
}

func TestParseResourceTypeAndMode(t *testing.T) {
	for _, rt := range ResourceTypes() {
		parsed, err := ParseResourceType(rt.String())
		require.NoError(t, err)
		assert.Equal(t, rt, parsed)
	}
	rt, err := ParseResourceType("index_entry")
	require.NoError(t, err)
	assert.Equal(t, IndexEntryResource, rt)

	_, err = ParseResourceType("table")
	assert.True(t, errors.Is(err, ErrIllegalResource))
	assert.False(t, ResourceType(200).Valid())

	mode, err := ParseLockMode("Exclusive")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, mode)
	mode, err = ParseLockMode("shared")
	require.NoError(t, err)
	assert.Equal(t, Shared, mode)
	_, err = ParseLockMode("both")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	assert.True(t, NoTransaction.IsNone())
	a, b := NewToken(), NewToken()
	assert.False(t, a.IsNone())
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, TokenFromUUID(a.UUID()))
	assert.Equal(t, "tx(none)", NoTransaction.String())
}
