package btree

import (
	"thinmerge/internal/block"
	"thinmerge/internal/layout"
)

// readAhead is how many leaf blocks an iterator fetches per ReadMany batch.
// Leaves arrive in key order, so prefetching a window keeps the async engine
// busy without holding the whole mapping tree in memory.
const readAhead = 64

// Mapping is one virtual-to-data association pulled from a mapping tree.
type Mapping struct {
	Thin uint64
	Data layout.BlockTime
}

// MappingIterator yields the mappings stored under a device's subtree, in
// ascending virtual block order, reading leaves in batches.
type MappingIterator struct {
	engine   block.Engine
	leaves   []uint64
	nrLeaves int

	batch    []*block.Block
	batchIdx int

	node    *layout.Node[layout.BlockTime]
	nodeIdx int

	err error
}

// NewMappingIterator builds an iterator over a device subtree rooted at
// root. Leaf discovery happens eagerly through w so shared-node memoization
// is reused across devices.
func NewMappingIterator(e block.Engine, w *Walker, root uint64) (*MappingIterator, error) {
	leaves, err := w.CollectLeaves(root)
	if err != nil {
		return nil, err
	}
	return &MappingIterator{engine: e, leaves: leaves, nrLeaves: len(leaves)}, nil
}

// NrLeaves reports how many leaf blocks the subtree holds.
func (it *MappingIterator) NrLeaves() int { return it.nrLeaves }

// Next returns the next mapping. The boolean is false once the iterator is
// exhausted or has failed; check Err after a false return.
func (it *MappingIterator) Next() (Mapping, bool) {
	for {
		if it.err != nil {
			return Mapping{}, false
		}
		if it.node != nil && it.nodeIdx < len(it.node.Keys) {
			m := Mapping{
				Thin: it.node.Keys[it.nodeIdx],
				Data: it.node.Values[it.nodeIdx],
			}
			it.nodeIdx++
			return m, true
		}
		if !it.advanceLeaf() {
			return Mapping{}, false
		}
	}
}

// Err reports the first failure encountered while iterating.
func (it *MappingIterator) Err() error { return it.err }

func (it *MappingIterator) advanceLeaf() bool {
	if it.batchIdx >= len(it.batch) {
		if len(it.leaves) == 0 {
			return false
		}
		n := readAhead
		if n > len(it.leaves) {
			n = len(it.leaves)
		}
		batch, err := it.engine.ReadMany(it.leaves[:n])
		if err != nil {
			it.err = err
			return false
		}
		it.leaves = it.leaves[n:]
		it.batch = batch
		it.batchIdx = 0
	}

	b := it.batch[it.batchIdx]
	it.batchIdx++
	node, err := layout.UnpackNode[layout.BlockTime](layout.MappingType{}, b.Data, b.Nr)
	if err != nil {
		it.err = err
		return false
	}
	it.node = node
	it.nodeIdx = 0
	return true
}

// MappingStream adds one mapping of lookahead to a MappingIterator, which is
// what the lock-step merge walk needs to compare heads.
type MappingStream struct {
	it      *MappingIterator
	head    Mapping
	hasHead bool
}

func NewMappingStream(it *MappingIterator) (*MappingStream, error) {
	s := &MappingStream{it: it}
	if err := s.step(); err != nil {
		return nil, err
	}
	return s, nil
}

// Peek returns the current head without consuming it.
func (s *MappingStream) Peek() (Mapping, bool) {
	return s.head, s.hasHead
}

// Step consumes the current head and advances.
func (s *MappingStream) Step() error {
	return s.step()
}

func (s *MappingStream) step() error {
	m, ok := s.it.Next()
	if !ok {
		s.hasHead = false
		s.head = Mapping{}
		return s.it.Err()
	}
	s.head = m
	s.hasHead = true
	return nil
}
