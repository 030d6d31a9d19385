package btree

import (
	"thinmerge/internal/block"
	"thinmerge/internal/layout"
)

// Allocator hands out free metadata blocks for freshly packed nodes.
// space.Map satisfies it.
type Allocator interface {
	Alloc() (uint64, error)
}

type nodeEntry struct {
	key uint64
	ptr uint64
}

// Builder packs a btree bottom-up from keys pushed in ascending order.
// Leaves are written as soon as a full node's worth is buffered; the tail is
// split evenly so no emitted leaf ends up under half full.
type Builder[V any] struct {
	engine block.Engine
	alloc  Allocator
	vt     layout.ValueType[V]
	max    int

	keys   []uint64
	values []V
	leaves []nodeEntry
}

func NewBuilder[V any](e block.Engine, a Allocator, vt layout.ValueType[V]) *Builder[V] {
	return &Builder[V]{
		engine: e,
		alloc:  a,
		vt:     vt,
		max:    layout.CalcMaxEntries(vt.Size()),
	}
}

// Push adds one entry. Keys must strictly ascend; the on-disk format has no
// duplicate keys within a subtree.
func (b *Builder[V]) Push(key uint64, value V) error {
	b.keys = append(b.keys, key)
	b.values = append(b.values, value)
	if len(b.keys) == 2*b.max {
		return b.flushLeaf(b.max)
	}
	return nil
}

// NrEntries reports how many entries have been pushed so far.
func (b *Builder[V]) NrEntries() uint64 {
	nr := uint64(len(b.keys))
	for range b.leaves {
		nr += uint64(b.max)
	}
	return nr
}

// Complete writes out the remaining entries and the internal layers above
// them, returning the root block. An empty builder still produces a root: a
// single empty leaf.
func (b *Builder[V]) Complete() (uint64, error) {
	switch {
	case len(b.keys) <= b.max:
		// Fits in one leaf. A short tail is fine here: once any leaf
		// has been flushed the buffer never drops below max, so a leaf
		// under half full can only be the root of a small tree.
		if err := b.flushLeaf(len(b.keys)); err != nil {
			return 0, err
		}
	default:
		// Tail holds between max+1 and 2*max-1 entries; split evenly so
		// both leaves stay at least half full.
		first := (len(b.keys) + 1) / 2
		if err := b.flushLeaf(first); err != nil {
			return 0, err
		}
		if err := b.flushLeaf(len(b.keys)); err != nil {
			return 0, err
		}
	}

	entries := b.leaves
	maxInternal := layout.CalcMaxEntries(8)
	for len(entries) > 1 {
		parents, err := b.buildLayer(entries, maxInternal)
		if err != nil {
			return 0, err
		}
		entries = parents
	}
	return entries[0].ptr, nil
}

// flushLeaf writes the first n buffered entries as one leaf. n == 0 only
// happens for an empty tree, which still gets its empty root leaf.
func (b *Builder[V]) flushLeaf(n int) error {
	nr, err := b.alloc.Alloc()
	if err != nil {
		return err
	}
	blk := block.NewBlock(nr)
	layout.PackLeaf(b.vt, blk.Data, nr, b.keys[:n], b.values[:n])
	if err := b.engine.WriteBlock(blk); err != nil {
		return err
	}

	key := uint64(0)
	if n > 0 {
		key = b.keys[0]
	}
	b.leaves = append(b.leaves, nodeEntry{key: key, ptr: nr})
	b.keys = b.keys[n:]
	b.values = b.values[n:]
	return nil
}

// buildLayer packs one internal level above entries, distributing children
// evenly across the minimum number of nodes.
func (b *Builder[V]) buildLayer(entries []nodeEntry, max int) ([]nodeEntry, error) {
	nrNodes := (len(entries) + max - 1) / max
	base := len(entries) / nrNodes
	extra := len(entries) % nrNodes

	var parents []nodeEntry
	off := 0
	for i := 0; i < nrNodes; i++ {
		n := base
		if i < extra {
			n++
		}
		group := entries[off : off+n]
		off += n

		nr, err := b.alloc.Alloc()
		if err != nil {
			return nil, err
		}
		keys := make([]uint64, len(group))
		children := make([]uint64, len(group))
		for j, e := range group {
			keys[j] = e.key
			children[j] = e.ptr
		}
		blk := block.NewBlock(nr)
		layout.PackInternal(blk.Data, nr, keys, children)
		if err := b.engine.WriteBlock(blk); err != nil {
			return nil, err
		}
		parents = append(parents, nodeEntry{key: group[0].key, ptr: nr})
	}
	return parents, nil
}
