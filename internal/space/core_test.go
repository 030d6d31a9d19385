package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAllocLowestFree(t *testing.T) {
	t.Parallel()

	m := NewMap(Metadata, 5)
	for want := uint64(0); want < 5; want++ {
		got, err := m.Alloc()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(5), m.NrAllocated())

	_, err := m.Alloc()
	var oos *OutOfSpaceError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, Metadata, oos.Kind)

	// Freeing reopens the lowest hole.
	require.NoError(t, m.Dec(2))
	got, err := m.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestMapIncDec(t *testing.T) {
	t.Parallel()

	m := NewMap(Data, 10)
	require.NoError(t, m.Inc(7))
	require.NoError(t, m.Inc(7))
	count, err := m.Get(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, uint64(1), m.NrAllocated())

	require.NoError(t, m.Dec(7))
	require.NoError(t, m.Dec(7))
	assert.Equal(t, uint64(0), m.NrAllocated())
}

func TestMapDecUnderflow(t *testing.T) {
	t.Parallel()

	m := NewMap(Data, 10)
	err := m.Dec(3)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, uint64(3), inv.Block)
	assert.Equal(t, Data, inv.Kind)
}

func TestMapOutOfBounds(t *testing.T) {
	t.Parallel()

	m := NewMap(Data, 10)
	var inv *InvariantError
	require.ErrorAs(t, m.Inc(10), &inv)
	_, err := m.Get(11)
	require.ErrorAs(t, err, &inv)
}
