package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDAllocator_startsAtOne(t *testing.T) {
	a := newPacketIDAllocator()
	id, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestPacketIDAllocator_producesEveryValueThenWraps(t *testing.T) {
	a := newPacketIDAllocator()
	for i := 1; i <= 0xFFFF; i++ {
		id, err := a.next()
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
	a.unsetBit(1)
	id, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestPacketIDAllocator_skipsReservedIDs(t *testing.T) {
	a := newPacketIDAllocator()
	a.reserve(1)
	a.reserve(2)
	a.reserve(4)

	id, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = a.next()
	require.NoError(t, err)
	assert.Equal(t, 5, id)
}

func TestPacketIDAllocator_releaseMakesIDAvailableAgain(t *testing.T) {
	a := newPacketIDAllocator()
	a.reserve(1)
	a.reserve(2)
	a.reserve(3)
	a.release(2)

	id, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestPacketIDAllocator_failsWhenWindowSaturated(t *testing.T) {
	a := newPacketIDAllocator()
	for i := 1; i <= 0xFFFF; i++ {
		a.reserve(i)
	}
	_, err := a.next()
	assert.ErrorIs(t, err, ErrNoFreePacketID)
}
