package dedupe

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateSharesPendingEntry(t *testing.T) {
	m := New()
	e1, created1 := m.GetOrCreate("GET:/x:")
	e2, created2 := m.GetOrCreate("GET:/x:")
	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, e1, e2)
}

func TestSettleThenDeleteStopsSharing(t *testing.T) {
	m := New()
	e1, _ := m.GetOrCreate("GET:/x:")
	e1.Settle("ok", nil)
	m.Delete("GET:/x:")

	e2, created := m.GetOrCreate("GET:/x:")
	assert.True(t, created)
	assert.NotSame(t, e1, e2)
}

func TestEvictionIsFIFONotLRU(t *testing.T) {
	m := New()
	for i := 0; i < MaxSize; i++ {
		m.GetOrCreate(fmt.Sprintf("key-%d", i))
	}
	require.Equal(t, MaxSize, m.Len())

	// Touch key-0 repeatedly via Get -- an LRU map would protect it from
	// eviction; this FIFO map must not.
	for i := 0; i < 5; i++ {
		_, ok := m.Get("key-0")
		require.True(t, ok)
	}

	m.GetOrCreate("key-overflow")
	assert.Equal(t, MaxSize, m.Len())

	_, stillThere := m.Get("key-0")
	assert.False(t, stillThere, "oldest entry must be evicted even though it was recently read")

	_, secondOldestThere := m.Get("key-1")
	assert.True(t, secondOldestThere)
}
