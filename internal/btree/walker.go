// Package btree reads and writes the copy-on-write btrees that hold thin
// pool metadata. Reading is tolerant of the heavy node sharing snapshots
// create: walks memoize by block number so a shared subtree is visited once.
// Writing goes through a streaming builder that packs leaves bottom-up.
package btree

import (
	"thinmerge/internal/block"
	"thinmerge/internal/layout"
)

// Walker descends btrees on a single engine, remembering which internal
// nodes it has already expanded. Snapshot metadata shares most of its nodes
// with the origin, so the memo turns a quadratic walk into a linear one.
type Walker struct {
	engine block.Engine

	// leavesBelow caches, per internal node, the leaf blocks under it.
	leavesBelow map[uint64][]uint64
}

func NewWalker(e block.Engine) *Walker {
	return &Walker{engine: e, leavesBelow: make(map[uint64][]uint64)}
}

// CollectLeaves returns the block numbers of every leaf under root, in key
// order. Shared subtrees are expanded once and replayed from the memo.
func (w *Walker) CollectLeaves(root uint64) ([]uint64, error) {
	b, err := w.engine.ReadBlock(root)
	if err != nil {
		return nil, err
	}
	hdr, err := layout.UnpackNodeHeader(b.Data, root)
	if err != nil {
		return nil, err
	}
	if hdr.IsLeaf() {
		return []uint64{root}, nil
	}
	if leaves, ok := w.leavesBelow[root]; ok {
		return leaves, nil
	}

	node, err := layout.UnpackNode[uint64](layout.BlockPtrType{}, b.Data, root)
	if err != nil {
		return nil, err
	}
	var leaves []uint64
	for _, child := range node.Children {
		sub, err := w.CollectLeaves(child)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, sub...)
	}
	w.leavesBelow[root] = leaves
	return leaves, nil
}

// CollectNodes returns every node block reachable from root, internal nodes
// included, without deduplicating shared subtrees. Callers that count
// references want each edge, not each block.
func (w *Walker) CollectNodes(root uint64) ([]uint64, error) {
	b, err := w.engine.ReadBlock(root)
	if err != nil {
		return nil, err
	}
	hdr, err := layout.UnpackNodeHeader(b.Data, root)
	if err != nil {
		return nil, err
	}
	nodes := []uint64{root}
	if hdr.IsLeaf() {
		return nodes, nil
	}
	node, err := layout.UnpackNode[uint64](layout.BlockPtrType{}, b.Data, root)
	if err != nil {
		return nil, err
	}
	for _, child := range node.Children {
		sub, err := w.CollectNodes(child)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, sub...)
	}
	return nodes, nil
}

// ToMap reads an entire btree of V values into memory. Intended for the
// small trees: device details, index entries, ref-count overflow.
func ToMap[V any](e block.Engine, vt layout.ValueType[V], root uint64) (map[uint64]V, error) {
	out := make(map[uint64]V)
	if err := visit(e, vt, root, out); err != nil {
		return nil, err
	}
	return out, nil
}

func visit[V any](e block.Engine, vt layout.ValueType[V], root uint64, out map[uint64]V) error {
	b, err := e.ReadBlock(root)
	if err != nil {
		return err
	}
	node, err := layout.UnpackNode(vt, b.Data, root)
	if err != nil {
		return err
	}
	if node.Header.IsLeaf() {
		for i, k := range node.Keys {
			out[k] = node.Values[i]
		}
		return nil
	}
	for _, child := range node.Children {
		if err := visit(e, vt, child, out); err != nil {
			return err
		}
	}
	return nil
}
