package space

import (
	"fmt"
	"sort"

	"thinmerge/internal/block"
	"thinmerge/internal/btree"
	"thinmerge/internal/layout"
)

func nrBitmapsFor(nrBlocks uint64) int {
	return int((nrBlocks + layout.EntriesPerBitmap - 1) / layout.EntriesPerBitmap)
}

// ReadDiskMap loads a space map from disk into core. The metadata flavour
// keeps its bitmap index in a single checksummed block; the data flavour
// keeps it in a btree. Everything below the index is shared: bitmap blocks
// with 2-bit counts and an overflow btree for counts past 2.
func ReadDiskMap(e block.Engine, kind Kind, root layout.SMRoot) (*Map, error) {
	entries, err := readIndex(e, kind, root)
	if err != nil {
		return nil, err
	}

	overflow, err := btree.ToMap[uint32](e, layout.RefCountType{}, root.RefCountRoot)
	if err != nil {
		return nil, err
	}

	m := NewMap(kind, root.NrBlocks)
	for i, entry := range entries {
		b, err := e.ReadBlock(entry.Blocknr)
		if err != nil {
			return nil, err
		}
		if err := layout.VerifyBitmap(b.Data, entry.Blocknr); err != nil {
			return nil, err
		}

		base := uint64(i) * layout.EntriesPerBitmap
		n := root.NrBlocks - base
		if n > layout.EntriesPerBitmap {
			n = layout.EntriesPerBitmap
		}
		for j := uint64(0); j < n; j++ {
			count := uint32(layout.BitmapGet(b.Data, int(j)))
			if count == layout.BitmapOverflow {
				exact, ok := overflow[base+j]
				if !ok {
					return nil, &InvariantError{Kind: kind, Block: base + j,
						Msg: "overflow count missing from ref-count tree"}
				}
				count = exact
			}
			if count > 0 {
				m.counts[base+j] = count
				m.nrUsed++
			}
		}
	}

	if m.nrUsed != root.NrAllocated {
		return nil, &InvariantError{Kind: kind, Block: 0,
			Msg: fmt.Sprintf("bitmaps hold %d allocated blocks, root records %d",
				m.nrUsed, root.NrAllocated)}
	}
	return m, nil
}

// IndexBlocks returns the metadata blocks a space map occupies for its own
// structure: the index block (metadata flavour only) and every bitmap block.
// Btree-held pieces (index tree, overflow tree) are walked separately.
func IndexBlocks(e block.Engine, kind Kind, root layout.SMRoot) ([]uint64, error) {
	entries, err := readIndex(e, kind, root)
	if err != nil {
		return nil, err
	}
	var blocks []uint64
	if kind == Metadata {
		blocks = append(blocks, root.BitmapRoot)
	}
	for _, entry := range entries {
		blocks = append(blocks, entry.Blocknr)
	}
	return blocks, nil
}

func readIndex(e block.Engine, kind Kind, root layout.SMRoot) ([]layout.IndexEntry, error) {
	nrBitmaps := nrBitmapsFor(root.NrBlocks)

	if kind == Metadata {
		b, err := e.ReadBlock(root.BitmapRoot)
		if err != nil {
			return nil, err
		}
		return layout.UnpackMetadataIndex(b.Data, root.BitmapRoot, nrBitmaps)
	}

	byIdx, err := btree.ToMap[layout.IndexEntry](e, layout.IndexEntryType{}, root.BitmapRoot)
	if err != nil {
		return nil, err
	}
	if len(byIdx) != nrBitmaps {
		return nil, &InvariantError{Kind: kind, Block: root.BitmapRoot,
			Msg: fmt.Sprintf("index tree holds %d bitmaps, expected %d", len(byIdx), nrBitmaps)}
	}
	idxs := make([]uint64, 0, len(byIdx))
	for i := range byIdx {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(a, b int) bool { return idxs[a] < idxs[b] })

	entries := make([]layout.IndexEntry, 0, len(idxs))
	for want, i := range idxs {
		if i != uint64(want) {
			return nil, &InvariantError{Kind: kind, Block: root.BitmapRoot,
				Msg: fmt.Sprintf("index tree missing bitmap %d", want)}
		}
		entries = append(entries, byIdx[i])
	}
	return entries, nil
}
