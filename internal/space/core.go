// Package space implements thin-pool space maps: the in-core reference
// counter used while building metadata, and the on-disk bitmap/overflow
// representation shared by the metadata and data space maps.
package space

import "fmt"

// Kind labels which space map an error came from.
type Kind int

const (
	Metadata Kind = iota
	Data
)

func (k Kind) String() string {
	if k == Metadata {
		return "metadata"
	}
	return "data"
}

// OutOfSpaceError reports an allocation against a fully referenced map.
type OutOfSpaceError struct {
	Kind Kind
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("%s space map has no free blocks", e.Kind)
}

// InvariantError reports a reference count transition the format forbids,
// such as decrementing an unallocated block.
type InvariantError struct {
	Kind  Kind
	Block uint64
	Msg   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s space map, block %d: %s", e.Kind, e.Block, e.Msg)
}

// Map is an in-core space map: one reference count per block. Allocation
// always returns the lowest free block, which keeps freshly built metadata
// images deterministic.
type Map struct {
	kind   Kind
	counts []uint32
	nrUsed uint64
	cursor uint64
}

// NewMap returns an empty map covering nrBlocks blocks.
func NewMap(kind Kind, nrBlocks uint64) *Map {
	return &Map{kind: kind, counts: make([]uint32, nrBlocks)}
}

func (m *Map) NrBlocks() uint64 { return uint64(len(m.counts)) }

func (m *Map) NrAllocated() uint64 { return m.nrUsed }

// Get returns the reference count of block b.
func (m *Map) Get(b uint64) (uint32, error) {
	if b >= uint64(len(m.counts)) {
		return 0, &InvariantError{Kind: m.kind, Block: b, Msg: "block beyond device end"}
	}
	return m.counts[b], nil
}

// Inc raises the reference count of block b by one.
func (m *Map) Inc(b uint64) error {
	if b >= uint64(len(m.counts)) {
		return &InvariantError{Kind: m.kind, Block: b, Msg: "block beyond device end"}
	}
	if m.counts[b] == 0 {
		m.nrUsed++
	}
	m.counts[b]++
	return nil
}

// Dec lowers the reference count of block b by one. Decrementing a free
// block is a corruption signal, never a no-op.
func (m *Map) Dec(b uint64) error {
	if b >= uint64(len(m.counts)) {
		return &InvariantError{Kind: m.kind, Block: b, Msg: "block beyond device end"}
	}
	if m.counts[b] == 0 {
		return &InvariantError{Kind: m.kind, Block: b, Msg: "decrement of unallocated block"}
	}
	m.counts[b]--
	if m.counts[b] == 0 {
		m.nrUsed--
		if b < m.cursor {
			m.cursor = b
		}
	}
	return nil
}

// Alloc finds the lowest free block, takes a reference on it and returns it.
func (m *Map) Alloc() (uint64, error) {
	for b := m.cursor; b < uint64(len(m.counts)); b++ {
		if m.counts[b] == 0 {
			m.counts[b] = 1
			m.nrUsed++
			m.cursor = b + 1
			return b, nil
		}
	}
	return 0, &OutOfSpaceError{Kind: m.kind}
}
