// Package layout implements the on-disk binary format of thin-pool metadata:
// the superblock, B-tree nodes, space-map structures and device-detail
// records, together with the per-block checksums that guard them. All
// structures are little-endian and live in fixed-size metadata blocks.
package layout

const (
	// BlockSize is the fixed metadata block size in bytes.
	BlockSize = 4096

	// SuperblockLocation is the block number of the live superblock.
	SuperblockLocation = 0

	// SuperblockMagic identifies thin-pool metadata.
	SuperblockMagic uint64 = 27022010

	// MetadataVersion is the only on-disk format version we read or write.
	MetadataVersion uint32 = 2

	// SectorSize relates the superblock's block-size fields (recorded in
	// 512-byte sectors) to byte sizes.
	SectorSize = 512

	// SpaceMapRootSize is the size of the packed space-map root areas
	// embedded in the superblock.
	SpaceMapRootSize = 128
)

// BlockTime is a single thin-device mapping value: the physical data block
// backing a virtual block, plus the pool time at which the mapping was
// created (used by the pool to detect sharing between snapshots).
type BlockTime struct {
	Block uint64
	Time  uint32
}

const timeBits = 24

func packBlockTime(bt BlockTime) uint64 {
	return bt.Block<<timeBits | uint64(bt.Time)&(1<<timeBits-1)
}

func unpackBlockTime(v uint64) BlockTime {
	return BlockTime{Block: v >> timeBits, Time: uint32(v & (1<<timeBits - 1))}
}
