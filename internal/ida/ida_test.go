package ida

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSMB1TIDNeverReturnsReservedValue(t *testing.T) {
	a := NewSMB1TID()
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := a.Acquire()
		require.NoError(t, err)
		require.NotEqual(t, uint32(0xFFFF), id)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestSMB1TIDAllowsZero(t *testing.T) {
	a := NewSMB1TID()
	id, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
}

func TestSMB2IDNeverReturnsZeroOrFFFE(t *testing.T) {
	a := NewSMB2ID()
	for i := 0; i < 5; i++ {
		id, err := a.Acquire()
		require.NoError(t, err)
		require.NotEqual(t, uint32(0), id)
		require.NotEqual(t, uint32(0xFFFE), id)
	}
}

func TestGenericNeverReturnsZero(t *testing.T) {
	a := NewGeneric()
	id, err := a.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, uint32(0), id)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	a := NewSMB2ID()
	id, err := a.Acquire()
	require.NoError(t, err)

	require.NoError(t, a.Release(id))
	require.Equal(t, 0, a.Outstanding())

	id2, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestReleaseUnallocatedIsInvalid(t *testing.T) {
	a := NewGeneric()
	err := a.Release(42)
	require.ErrorIs(t, err, ErrInvalidRelease)
}

func TestDoubleReleaseIsInvalid(t *testing.T) {
	a := NewGeneric()
	id, err := a.Acquire()
	require.NoError(t, err)
	require.NoError(t, a.Release(id))
	require.ErrorIs(t, a.Release(id), ErrInvalidRelease)
}

func TestSMB1TIDExhaustion(t *testing.T) {
	a := NewSMB1TID()
	// 16-bit space minus the reserved 0xFFFF.
	for i := 0; i < 0xFFFF; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}
	_, err := a.Acquire()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestOutstandingTracksLiveAllocations(t *testing.T) {
	a := NewGeneric()
	require.Equal(t, 0, a.Outstanding())
	id, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, 1, a.Outstanding())
	require.NoError(t, a.Release(id))
	require.Equal(t, 0, a.Outstanding())
}
