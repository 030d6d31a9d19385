package space

import (
	"fmt"

	"thinmerge/internal/block"
	"thinmerge/internal/btree"
	"thinmerge/internal/layout"
)

// WriteDataMap serializes a data space map: bitmap blocks, the ref-count
// overflow tree and the bitmap index tree, drawing metadata blocks from
// meta. Bitmaps are emitted in index order so identical maps produce
// identical images.
func WriteDataMap(e block.Engine, m *Map, meta *Map) (layout.SMRoot, error) {
	nrBitmaps := nrBitmapsFor(m.NrBlocks())

	overflow := btree.NewBuilder[uint32](e, meta, layout.RefCountType{})
	entries := make([]layout.IndexEntry, 0, nrBitmaps)

	for i := 0; i < nrBitmaps; i++ {
		nr, err := meta.Alloc()
		if err != nil {
			return layout.SMRoot{}, err
		}
		entry, err := m.packBitmap(e, nr, i, overflow)
		if err != nil {
			return layout.SMRoot{}, err
		}
		entries = append(entries, entry)
	}

	overflowRoot, err := overflow.Complete()
	if err != nil {
		return layout.SMRoot{}, err
	}

	index := btree.NewBuilder[layout.IndexEntry](e, meta, layout.IndexEntryType{})
	for i, entry := range entries {
		if err := index.Push(uint64(i), entry); err != nil {
			return layout.SMRoot{}, err
		}
	}
	indexRoot, err := index.Complete()
	if err != nil {
		return layout.SMRoot{}, err
	}

	return layout.SMRoot{
		NrBlocks:     m.NrBlocks(),
		NrAllocated:  m.NrAllocated(),
		BitmapRoot:   indexRoot,
		RefCountRoot: overflowRoot,
	}, nil
}

// WriteMetadataMap serializes the metadata space map. The map accounts for
// its own blocks: the overflow root, index block and bitmap blocks are
// allocated from m first, and only then are the final counts serialized.
func WriteMetadataMap(e block.Engine, m *Map) (layout.SMRoot, error) {
	nrBitmaps := nrBitmapsFor(m.NrBlocks())
	if nrBitmaps > layout.MaxMetadataBitmaps {
		return layout.SMRoot{}, &InvariantError{Kind: m.kind, Block: 0,
			Msg: fmt.Sprintf("%d bitmaps exceed the metadata index capacity %d",
				nrBitmaps, layout.MaxMetadataBitmaps)}
	}

	// Freshly written images never share metadata blocks, so the overflow
	// tree is a single empty leaf.
	overflow := btree.NewBuilder[uint32](e, m, layout.RefCountType{})
	overflowRoot, err := overflow.Complete()
	if err != nil {
		return layout.SMRoot{}, err
	}

	indexBlock, err := m.Alloc()
	if err != nil {
		return layout.SMRoot{}, err
	}
	bitmapBlocks := make([]uint64, nrBitmaps)
	for i := range bitmapBlocks {
		if bitmapBlocks[i], err = m.Alloc(); err != nil {
			return layout.SMRoot{}, err
		}
	}

	// Counts are final now; everything below is pure serialization.
	entries := make([]layout.IndexEntry, nrBitmaps)
	for i := range entries {
		entry, err := m.packBitmap(e, bitmapBlocks[i], i, nil)
		if err != nil {
			return layout.SMRoot{}, err
		}
		entries[i] = entry
	}

	idx := block.NewBlock(indexBlock)
	layout.PackMetadataIndex(idx.Data, indexBlock, entries)
	if err := e.WriteBlock(idx); err != nil {
		return layout.SMRoot{}, err
	}

	return layout.SMRoot{
		NrBlocks:     m.NrBlocks(),
		NrAllocated:  m.NrAllocated(),
		BitmapRoot:   indexBlock,
		RefCountRoot: overflowRoot,
	}, nil
}

// packBitmap writes bitmap idx of m to metadata block nr. Counts past 2 go
// to the overflow builder; a nil builder treats them as corruption.
func (m *Map) packBitmap(e block.Engine, nr uint64, idx int, overflow *btree.Builder[uint32]) (layout.IndexEntry, error) {
	b := block.NewBlock(nr)
	layout.InitBitmap(b.Data, nr)

	base := uint64(idx) * layout.EntriesPerBitmap
	n := m.NrBlocks() - base
	if n > layout.EntriesPerBitmap {
		n = layout.EntriesPerBitmap
	}

	entry := layout.IndexEntry{Blocknr: nr, NoneFreeBefore: uint32(n)}
	for j := uint64(0); j < n; j++ {
		count := m.counts[base+j]
		switch {
		case count == 0:
			entry.NrFree++
			if entry.NoneFreeBefore == uint32(n) {
				entry.NoneFreeBefore = uint32(j)
			}
		case count < layout.BitmapOverflow:
			layout.BitmapSet(b.Data, int(j), byte(count))
		default:
			if overflow == nil {
				return layout.IndexEntry{}, &InvariantError{Kind: m.kind, Block: base + j,
					Msg: fmt.Sprintf("unexpected shared metadata block (count %d)", count)}
			}
			layout.BitmapSet(b.Data, int(j), layout.BitmapOverflow)
			if err := overflow.Push(base+j, count); err != nil {
				return layout.IndexEntry{}, err
			}
		}
	}

	layout.SealBitmap(b.Data)
	if err := e.WriteBlock(b); err != nil {
		return layout.IndexEntry{}, err
	}
	return entry, nil
}
