package space

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinmerge/internal/block"
	"thinmerge/internal/layout"
)

func tempEngine(t *testing.T, blocks int) block.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sm.img")
	require.NoError(t, os.WriteFile(path, make([]byte, blocks*layout.BlockSize), 0o644))
	e, err := block.OpenSync(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestDataMapRoundtrip(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 64)
	meta := NewMap(Metadata, 64)
	_, err := meta.Alloc() // block 0 stays reserved
	require.NoError(t, err)

	// Counts spanning three bitmaps, including overflow counts past 2.
	data := NewMap(Data, 2*layout.EntriesPerBitmap+500)
	wantCounts := map[uint64]uint32{
		0:                             1,
		5:                             7, // overflow
		100:                           2,
		layout.EntriesPerBitmap:       1, // first entry of second bitmap
		2*layout.EntriesPerBitmap + 3: 4, // overflow in last partial bitmap
	}
	for b, c := range wantCounts {
		for i := uint32(0); i < c; i++ {
			require.NoError(t, data.Inc(b))
		}
	}

	root, err := WriteDataMap(e, data, meta)
	require.NoError(t, err)
	assert.Equal(t, data.NrBlocks(), root.NrBlocks)
	assert.Equal(t, uint64(len(wantCounts)), root.NrAllocated)

	got, err := ReadDiskMap(e, Data, root)
	require.NoError(t, err)
	assert.Equal(t, data.NrAllocated(), got.NrAllocated())
	for b, want := range wantCounts {
		count, err := got.Get(b)
		require.NoError(t, err)
		assert.Equal(t, want, count, "data block %d", b)
	}
	count, err := got.Get(50)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestMetadataMapSelfAccounting(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 64)
	meta := NewMap(Metadata, 64)
	_, err := meta.Alloc()
	require.NoError(t, err)

	// Simulate tree nodes written earlier.
	for i := 0; i < 10; i++ {
		_, err := meta.Alloc()
		require.NoError(t, err)
	}

	root, err := WriteMetadataMap(e, meta)
	require.NoError(t, err)

	got, err := ReadDiskMap(e, Metadata, root)
	require.NoError(t, err)
	assert.Equal(t, meta.NrAllocated(), got.NrAllocated())

	// The map's own blocks are themselves allocated: overflow root,
	// index block, one bitmap.
	assert.Equal(t, uint64(11+3), got.NrAllocated())
	for _, nr := range []uint64{root.BitmapRoot, root.RefCountRoot} {
		count, err := got.Get(nr)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), count, "block %d", nr)
	}
}

func TestReadDiskMapRejectsBadAllocationTotal(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 64)
	meta := NewMap(Metadata, 64)
	_, err := meta.Alloc()
	require.NoError(t, err)

	root, err := WriteMetadataMap(e, meta)
	require.NoError(t, err)
	root.NrAllocated++

	_, err = ReadDiskMap(e, Metadata, root)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
}

func TestReadDiskMapRejectsCorruptBitmap(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 64)
	meta := NewMap(Metadata, 64)
	_, err := meta.Alloc()
	require.NoError(t, err)

	root, err := WriteMetadataMap(e, meta)
	require.NoError(t, err)

	blocks, err := IndexBlocks(e, Metadata, root)
	require.NoError(t, err)
	bitmap := blocks[len(blocks)-1]

	b, err := e.ReadBlock(bitmap)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(b.Data[32:], ^uint64(0))
	require.NoError(t, e.WriteBlock(b))

	_, err = ReadDiskMap(e, Metadata, root)
	var cerr *layout.ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, bitmap, cerr.Block)
}
