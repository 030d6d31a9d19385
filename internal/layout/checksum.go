package layout

import (
	"encoding/binary"
	"hash/crc32"
)

// BlockType selects the checksum salt for a metadata block. Each block kind
// carries a distinct XOR constant so a block of one kind read as another
// fails verification even when the raw CRC happens to match.
type BlockType int

const (
	BTSuperblock BlockType = iota
	BTNode
	BTIndex
	BTBitmap
)

func (bt BlockType) String() string {
	switch bt {
	case BTSuperblock:
		return "superblock"
	case BTNode:
		return "btree node"
	case BTIndex:
		return "space map index"
	case BTBitmap:
		return "space map bitmap"
	}
	return "unknown"
}

const (
	superblockCsumXor uint32 = 160774
	nodeCsumXor       uint32 = 121107
	indexCsumXor      uint32 = 160478
	bitmapCsumXor     uint32 = 240779
)

func (bt BlockType) xor() uint32 {
	switch bt {
	case BTSuperblock:
		return superblockCsumXor
	case BTNode:
		return nodeCsumXor
	case BTIndex:
		return indexCsumXor
	case BTBitmap:
		return bitmapCsumXor
	}
	return 0
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BlockChecksum computes the checksum stored in the first four bytes of a
// metadata block: CRC32-C over the remaining BlockSize-4 bytes, without the
// usual final inversion (the pool driver's crc32c omits it), XORed with the
// block type's salt.
func BlockChecksum(data []byte, bt BlockType) uint32 {
	return ^crc32.Checksum(data[4:], castagnoli) ^ bt.xor()
}

// WriteChecksum stamps a block's checksum field.
func WriteChecksum(data []byte, bt BlockType) {
	binary.LittleEndian.PutUint32(data[0:4], BlockChecksum(data, bt))
}

// VerifyChecksum reports whether a block's stored checksum matches its
// contents.
func VerifyChecksum(data []byte, bt BlockType) bool {
	return binary.LittleEndian.Uint32(data[0:4]) == BlockChecksum(data, bt)
}
