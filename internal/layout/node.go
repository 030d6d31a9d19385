package layout

import "encoding/binary"

// B-tree nodes are immutable once written: a node is never modified in
// place, every change produces a new node at a freshly allocated block and
// the superseded node's reference count is dropped. That copy-on-write
// discipline is why block-number equality between two subtrees proves
// structural sharing.

const (
	// NodeHeaderSize is the fixed header at the start of every node:
	// csum u32 | flags u32 | blocknr u64 | nr_entries u32 |
	// max_entries u32 | value_size u32 | padding u32.
	NodeHeaderSize = 32

	InternalNodeFlag uint32 = 1
	LeafNodeFlag     uint32 = 2
)

// NodeHeader is the decoded self-describing header of a B-tree node.
type NodeHeader struct {
	Blocknr    uint64
	Flags      uint32
	NrEntries  uint32
	MaxEntries uint32
	ValueSize  uint32
}

// IsLeaf reports whether the node holds values rather than child pointers.
func (h *NodeHeader) IsLeaf() bool { return h.Flags&LeafNodeFlag != 0 }

// IsInternal reports whether the node holds child pointers.
func (h *NodeHeader) IsInternal() bool { return h.Flags&InternalNodeFlag != 0 }

// CalcMaxEntries returns the entry capacity of a node for a given value
// size: the key+value pairs that fit after the header, rounded down to a
// multiple of three to match the pool driver's splitting rules.
func CalcMaxEntries(valueSize int) int {
	total := (BlockSize - NodeHeaderSize) / (8 + valueSize)
	return 3 * (total / 3)
}

// UnpackNodeHeader decodes and verifies a node header read from blocknr.
// It is the cheap first step shared by all node reads: checksum, self
// location, node type and entry-count sanity.
func UnpackNodeHeader(data []byte, blocknr uint64) (NodeHeader, error) {
	var h NodeHeader
	if len(data) != BlockSize {
		return h, corrupt(blocknr, "node buffer is %d bytes, want %d", len(data), BlockSize)
	}
	if !VerifyChecksum(data, BTNode) {
		return h, &ChecksumError{Block: blocknr, Kind: BTNode}
	}
	h.Flags = binary.LittleEndian.Uint32(data[4:])
	h.Blocknr = binary.LittleEndian.Uint64(data[8:])
	h.NrEntries = binary.LittleEndian.Uint32(data[16:])
	h.MaxEntries = binary.LittleEndian.Uint32(data[20:])
	h.ValueSize = binary.LittleEndian.Uint32(data[24:])

	if h.Blocknr != blocknr {
		return h, corrupt(blocknr, "node records location %d", h.Blocknr)
	}
	if h.IsLeaf() == h.IsInternal() {
		return h, corrupt(blocknr, "bad node flags %#x", h.Flags)
	}
	if h.ValueSize == 0 || h.ValueSize > BlockSize {
		return h, corrupt(blocknr, "bad value size %d", h.ValueSize)
	}
	vsize := h.ValueSize
	if h.IsInternal() {
		vsize = 8 // child pointers
	}
	if max := uint32(CalcMaxEntries(int(vsize))); h.MaxEntries > max {
		return h, corrupt(blocknr, "max entries %d exceeds %d for value size %d",
			h.MaxEntries, max, vsize)
	}
	if h.NrEntries > h.MaxEntries {
		return h, corrupt(blocknr, "%d entries exceed capacity %d", h.NrEntries, h.MaxEntries)
	}
	return h, nil
}

// ValueType describes how one kind of B-tree value packs into its fixed-size
// on-disk slot. Implementations are stateless.
type ValueType[V any] interface {
	Size() int
	Unpack([]byte) V
	Pack(V, []byte)
}

// Node is a decoded B-tree node. Internal nodes always decode their values
// as child block pointers regardless of the leaf value type the tree carries.
type Node[V any] struct {
	Header   NodeHeader
	Keys     []uint64
	Values   []V      // leaf only
	Children []uint64 // internal only
}

// UnpackNode decodes and verifies a full node. Keys must be strictly
// increasing; leaves must carry the expected value size.
func UnpackNode[V any](vt ValueType[V], data []byte, blocknr uint64) (*Node[V], error) {
	h, err := UnpackNodeHeader(data, blocknr)
	if err != nil {
		return nil, err
	}
	n := &Node[V]{Header: h}

	keysOff := NodeHeaderSize
	valuesOff := keysOff + int(h.MaxEntries)*8
	nr := int(h.NrEntries)

	n.Keys = make([]uint64, nr)
	for i := 0; i < nr; i++ {
		n.Keys[i] = binary.LittleEndian.Uint64(data[keysOff+i*8:])
		if i > 0 && n.Keys[i] <= n.Keys[i-1] {
			return nil, corrupt(blocknr, "keys out of order: %d after %d", n.Keys[i], n.Keys[i-1])
		}
	}

	if h.IsInternal() {
		if valuesOff+nr*8 > BlockSize {
			return nil, corrupt(blocknr, "child pointers overflow block")
		}
		n.Children = make([]uint64, nr)
		for i := 0; i < nr; i++ {
			n.Children[i] = binary.LittleEndian.Uint64(data[valuesOff+i*8:])
		}
		return n, nil
	}

	if int(h.ValueSize) != vt.Size() {
		return nil, corrupt(blocknr, "leaf value size %d, want %d", h.ValueSize, vt.Size())
	}
	if valuesOff+nr*vt.Size() > BlockSize {
		return nil, corrupt(blocknr, "values overflow block")
	}
	n.Values = make([]V, nr)
	for i := 0; i < nr; i++ {
		n.Values[i] = vt.Unpack(data[valuesOff+i*vt.Size():])
	}
	return n, nil
}

// PackLeaf serializes keys and values as a leaf node at blocknr, zero-filling
// unused slots so equal logical content always produces identical bytes.
func PackLeaf[V any](vt ValueType[V], data []byte, blocknr uint64, keys []uint64, values []V) {
	packNodeHeader(data, blocknr, LeafNodeFlag, len(keys), CalcMaxEntries(vt.Size()), vt.Size())
	valuesOff := NodeHeaderSize + CalcMaxEntries(vt.Size())*8
	for i, k := range keys {
		binary.LittleEndian.PutUint64(data[NodeHeaderSize+i*8:], k)
	}
	for i, v := range values {
		vt.Pack(v, data[valuesOff+i*vt.Size():])
	}
	WriteChecksum(data, BTNode)
}

// PackInternal serializes keys and child pointers as an internal node.
func PackInternal(data []byte, blocknr uint64, keys, children []uint64) {
	max := CalcMaxEntries(8)
	packNodeHeader(data, blocknr, InternalNodeFlag, len(keys), max, 8)
	valuesOff := NodeHeaderSize + max*8
	for i, k := range keys {
		binary.LittleEndian.PutUint64(data[NodeHeaderSize+i*8:], k)
	}
	for i, c := range children {
		binary.LittleEndian.PutUint64(data[valuesOff+i*8:], c)
	}
	WriteChecksum(data, BTNode)
}

func packNodeHeader(data []byte, blocknr uint64, flags uint32, nrEntries, maxEntries, valueSize int) {
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint32(data[4:], flags)
	binary.LittleEndian.PutUint64(data[8:], blocknr)
	binary.LittleEndian.PutUint32(data[16:], uint32(nrEntries))
	binary.LittleEndian.PutUint32(data[20:], uint32(maxEntries))
	binary.LittleEndian.PutUint32(data[24:], uint32(valueSize))
}

// BlockPtrType packs u64 block pointers: top-level mapping tree values and
// internal-node children.
type BlockPtrType struct{}

func (BlockPtrType) Size() int               { return 8 }
func (BlockPtrType) Unpack(b []byte) uint64  { return binary.LittleEndian.Uint64(b) }
func (BlockPtrType) Pack(v uint64, b []byte) { binary.LittleEndian.PutUint64(b, v) }

// MappingType packs BlockTime mapping values: data block in the top 40 bits,
// creation time in the low 24.
type MappingType struct{}

func (MappingType) Size() int                  { return 8 }
func (MappingType) Unpack(b []byte) BlockTime  { return unpackBlockTime(binary.LittleEndian.Uint64(b)) }
func (MappingType) Pack(v BlockTime, b []byte) { binary.LittleEndian.PutUint64(b, packBlockTime(v)) }

// RefCountType packs u32 reference counts in the space-map overflow tree.
type RefCountType struct{}

func (RefCountType) Size() int               { return 4 }
func (RefCountType) Unpack(b []byte) uint32  { return binary.LittleEndian.Uint32(b) }
func (RefCountType) Pack(v uint32, b []byte) { binary.LittleEndian.PutUint32(b, v) }
