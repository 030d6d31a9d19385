package btree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinmerge/internal/block"
	"thinmerge/internal/layout"
)

// seqAlloc hands out consecutive blocks starting past the superblock slot.
type seqAlloc struct {
	next uint64
}

func (a *seqAlloc) Alloc() (uint64, error) {
	nr := a.next
	a.next++
	return nr, nil
}

func tempEngine(t *testing.T, blocks int) block.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btree.img")
	require.NoError(t, os.WriteFile(path, make([]byte, blocks*layout.BlockSize), 0o644))
	e, err := block.OpenSync(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// countingEngine counts single-block reads so tests can observe how much of
// a tree a walk actually touched.
type countingEngine struct {
	block.Engine
	reads int
}

func (c *countingEngine) ReadBlock(nr uint64) (*block.Block, error) {
	c.reads++
	return c.Engine.ReadBlock(nr)
}

func TestBuilderRoundtrip(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 128)
	alloc := &seqAlloc{next: 1}
	b := NewBuilder[layout.BlockTime](e, alloc, layout.MappingType{})

	const nrEntries = 10_000
	for i := uint64(0); i < nrEntries; i++ {
		require.NoError(t, b.Push(i*3, layout.BlockTime{Block: i * 7, Time: uint32(i % 5)}))
	}
	assert.Equal(t, uint64(nrEntries), b.NrEntries())

	root, err := b.Complete()
	require.NoError(t, err)

	got, err := ToMap[layout.BlockTime](e, layout.MappingType{}, root)
	require.NoError(t, err)
	require.Len(t, got, nrEntries)
	for _, i := range []uint64{0, 1, 4999, nrEntries - 1} {
		assert.Equal(t, layout.BlockTime{Block: i * 7, Time: uint32(i % 5)}, got[i*3], "entry %d", i)
	}
}

func TestBuilderLeavesAtLeastHalfFull(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 128)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})

	// One entry past a full leaf: the worst case for the tail split.
	max := layout.CalcMaxEntries(layout.MappingType{}.Size())
	for i := 0; i <= max; i++ {
		require.NoError(t, b.Push(uint64(i), layout.BlockTime{Block: uint64(i)}))
	}
	root, err := b.Complete()
	require.NoError(t, err)

	leaves, err := NewWalker(e).CollectLeaves(root)
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	for _, nr := range leaves {
		blk, err := e.ReadBlock(nr)
		require.NoError(t, err)
		hdr, err := layout.UnpackNodeHeader(blk.Data, nr)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int(hdr.NrEntries), max/2, "leaf %d", nr)
	}
}

func TestBuilderEmpty(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 8)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})
	root, err := b.Complete()
	require.NoError(t, err)

	got, err := ToMap[layout.BlockTime](e, layout.MappingType{}, root)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIteratorOrder(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 128)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})

	keys := []uint64{1, 2, 3, 100, 5000, 5001, 90000}
	for _, k := range keys {
		require.NoError(t, b.Push(k, layout.BlockTime{Block: k + 1000}))
	}
	root, err := b.Complete()
	require.NoError(t, err)

	iter, err := NewMappingIterator(e, NewWalker(e), root)
	require.NoError(t, err)

	var got []uint64
	for {
		m, ok := iter.Next()
		if !ok {
			break
		}
		assert.Equal(t, m.Thin+1000, m.Data.Block)
		got = append(got, m.Thin)
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, keys, got)
}

func TestWalkerMemoizesSharedSubtrees(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 256)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})
	for i := uint64(0); i < 20_000; i++ {
		require.NoError(t, b.Push(i, layout.BlockTime{Block: i}))
	}
	root, err := b.Complete()
	require.NoError(t, err)

	counter := &countingEngine{Engine: e}
	w := NewWalker(counter)

	first, err := w.CollectLeaves(root)
	require.NoError(t, err)
	coldReads := counter.reads
	assert.Greater(t, coldReads, 1)

	// A second walk from the same root only re-reads the root before the
	// memo takes over, which is exactly what makes walking an origin and
	// its snapshot affordable.
	second, err := w.CollectLeaves(root)
	require.NoError(t, err)
	assert.Equal(t, coldReads+1, counter.reads)
	assert.Equal(t, first, second)
}

func TestMappingStream(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 16)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})
	require.NoError(t, b.Push(4, layout.BlockTime{Block: 40}))
	require.NoError(t, b.Push(9, layout.BlockTime{Block: 90}))
	root, err := b.Complete()
	require.NoError(t, err)

	iter, err := NewMappingIterator(e, NewWalker(e), root)
	require.NoError(t, err)
	s, err := NewMappingStream(iter)
	require.NoError(t, err)

	m, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(4), m.Thin)

	// Peek is idempotent.
	again, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, m, again)

	require.NoError(t, s.Step())
	m, ok = s.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(9), m.Thin)

	require.NoError(t, s.Step())
	_, ok = s.Peek()
	assert.False(t, ok)
}

func TestWalkerRejectsCorruptNode(t *testing.T) {
	t.Parallel()

	e := tempEngine(t, 16)
	b := NewBuilder[layout.BlockTime](e, &seqAlloc{next: 1}, layout.MappingType{})
	require.NoError(t, b.Push(1, layout.BlockTime{Block: 10}))
	root, err := b.Complete()
	require.NoError(t, err)

	blk, err := e.ReadBlock(root)
	require.NoError(t, err)
	blk.Data[corruptOffset] ^= 0x40
	require.NoError(t, e.WriteBlock(blk))

	_, err = NewWalker(e).CollectLeaves(root)
	var cerr *layout.ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, root, cerr.Block)
}

// corruptOffset points into a node's key area.
const corruptOffset = layout.NodeHeaderSize + 4
