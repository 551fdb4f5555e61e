package fed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLocalGlobalBijection(t *testing.T) {
	reg := newHandleRegistry()
	ep := &HandleInfo{ID: 10, Fed: 1, Kind: KindEndpoint, Name: "a", Type: "raw"}
	pub := &HandleInfo{ID: 11, Fed: 1, Kind: KindPublication, Name: "p", Type: "double"}
	reg.Modify(func(r *registryData) {
		r.insert(ep, 0)
		r.insert(pub, 0) // same local index, different kind space
	})

	id, ok := localToGlobal(reg, 1, KindEndpoint, 0)
	require.True(t, ok)
	assert.Equal(t, HandleID(10), id)

	id, ok = localToGlobal(reg, 1, KindPublication, 0)
	require.True(t, ok)
	assert.Equal(t, HandleID(11), id)

	fed, kind, index, ok := globalToLocal(reg, 10)
	require.True(t, ok)
	assert.Equal(t, FederateID(1), fed)
	assert.Equal(t, KindEndpoint, kind)
	assert.Equal(t, int32(0), index)

	_, _, _, ok = globalToLocal(reg, 99)
	assert.False(t, ok)
}

func TestRegistrySubscriptionScope(t *testing.T) {
	reg := newHandleRegistry()
	subA := &HandleInfo{ID: 1, Fed: 1, Kind: KindSubscription, Name: "p"}
	subB := &HandleInfo{ID: 2, Fed: 2, Kind: KindSubscription, Name: "p"}
	reg.Modify(func(r *registryData) {
		// two federates may subscribe to the same publication key
		require.False(t, r.nameInUse(1, KindSubscription, "p"))
		r.insert(subA, 0)
		require.False(t, r.nameInUse(2, KindSubscription, "p"))
		r.insert(subB, 0)
		// but not twice within one federate
		require.True(t, r.nameInUse(1, KindSubscription, "p"))
	})

	reg.Read(func(r *registryData) {
		assert.Equal(t, []HandleID{1, 2}, r.subscribers["p"])
	})
}

func TestRegistryNamespacesAreDisjoint(t *testing.T) {
	reg := newHandleRegistry()
	reg.Modify(func(r *registryData) {
		r.insert(&HandleInfo{ID: 1, Fed: 1, Kind: KindEndpoint, Name: "x"}, 0)
		// the same name is free in every other namespace
		assert.False(t, r.nameInUse(1, KindPublication, "x"))
		assert.False(t, r.nameInUse(1, KindSourceFilter, "x"))
		assert.True(t, r.nameInUse(2, KindEndpoint, "x"))
	})

	id, ok := lookupByName(reg, InvalidFed, KindEndpoint, "x")
	require.True(t, ok)
	info, ok := lookupByHandle(reg, id)
	require.True(t, ok)
	assert.Equal(t, "x", info.Name)
	assert.Equal(t, KindEndpoint, info.Kind)
}
