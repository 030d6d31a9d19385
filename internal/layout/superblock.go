package layout

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Superblock is the fixed-location header of a thin-pool metadata image. It
// anchors every other structure: the two space maps, the device-details tree
// and the top-level mapping tree. Nothing else in the image may be trusted
// until the superblock's checksum, magic and version have been verified.
//
// On-disk layout (little-endian):
//
//	csum u32 | flags u32 | blocknr u64 | uuid [16]byte | magic u64 |
//	version u32 | time u32 | trans_id u64 | metadata_snap u64 |
//	data_sm_root [128]byte | metadata_sm_root [128]byte |
//	data_mapping_root u64 | device_details_root u64 |
//	data_block_size u32 | metadata_block_size u32 | metadata_nr_blocks u64
type Superblock struct {
	Flags             uint32
	Blocknr           uint64
	UUID              uuid.UUID
	Version           uint32
	Time              uint32
	TransactionID     uint64
	MetadataSnap      uint64
	DataSMRoot        [SpaceMapRootSize]byte
	MetadataSMRoot    [SpaceMapRootSize]byte
	MappingRoot       uint64
	DetailsRoot       uint64
	DataBlockSize     uint32 // in 512-byte sectors
	MetadataBlockSize uint32 // in 512-byte sectors
	MetadataNrBlocks  uint64
}

const (
	sbFlagsOff        = 4
	sbBlocknrOff      = 8
	sbUUIDOff         = 16
	sbMagicOff        = 32
	sbVersionOff      = 40
	sbTimeOff         = 44
	sbTransIDOff      = 48
	sbMetadataSnapOff = 56
	sbDataSMRootOff   = 64
	sbMetaSMRootOff   = sbDataSMRootOff + SpaceMapRootSize
	sbMappingRootOff  = sbMetaSMRootOff + SpaceMapRootSize
	sbDetailsRootOff  = sbMappingRootOff + 8
	sbDataBlockSzOff  = sbDetailsRootOff + 8
	sbMetaBlockSzOff  = sbDataBlockSzOff + 4
	sbMetaNrBlocksOff = sbMetaBlockSzOff + 4
)

// UnpackSuperblock decodes and verifies a superblock read from blocknr.
// The checksum is checked before anything else; a superblock that fails it
// yields a ChecksumError and none of its fields are returned.
func UnpackSuperblock(data []byte, blocknr uint64) (*Superblock, error) {
	if len(data) != BlockSize {
		return nil, corrupt(blocknr, "superblock buffer is %d bytes, want %d", len(data), BlockSize)
	}
	if !VerifyChecksum(data, BTSuperblock) {
		return nil, &ChecksumError{Block: blocknr, Kind: BTSuperblock}
	}

	sb := &Superblock{
		Flags:             binary.LittleEndian.Uint32(data[sbFlagsOff:]),
		Blocknr:           binary.LittleEndian.Uint64(data[sbBlocknrOff:]),
		Version:           binary.LittleEndian.Uint32(data[sbVersionOff:]),
		Time:              binary.LittleEndian.Uint32(data[sbTimeOff:]),
		TransactionID:     binary.LittleEndian.Uint64(data[sbTransIDOff:]),
		MetadataSnap:      binary.LittleEndian.Uint64(data[sbMetadataSnapOff:]),
		MappingRoot:       binary.LittleEndian.Uint64(data[sbMappingRootOff:]),
		DetailsRoot:       binary.LittleEndian.Uint64(data[sbDetailsRootOff:]),
		DataBlockSize:     binary.LittleEndian.Uint32(data[sbDataBlockSzOff:]),
		MetadataBlockSize: binary.LittleEndian.Uint32(data[sbMetaBlockSzOff:]),
		MetadataNrBlocks:  binary.LittleEndian.Uint64(data[sbMetaNrBlocksOff:]),
	}
	copy(sb.UUID[:], data[sbUUIDOff:sbUUIDOff+16])
	copy(sb.DataSMRoot[:], data[sbDataSMRootOff:sbDataSMRootOff+SpaceMapRootSize])
	copy(sb.MetadataSMRoot[:], data[sbMetaSMRootOff:sbMetaSMRootOff+SpaceMapRootSize])

	if magic := binary.LittleEndian.Uint64(data[sbMagicOff:]); magic != SuperblockMagic {
		return nil, corrupt(blocknr, "bad superblock magic %d", magic)
	}
	if sb.Version != MetadataVersion {
		return nil, &VersionError{Version: sb.Version}
	}
	if sb.Blocknr != blocknr {
		return nil, corrupt(blocknr, "superblock records location %d", sb.Blocknr)
	}
	if sb.MetadataBlockSize != BlockSize/SectorSize {
		return nil, corrupt(blocknr, "metadata block size is %d sectors, want %d",
			sb.MetadataBlockSize, BlockSize/SectorSize)
	}
	return sb, nil
}

// Pack serializes the superblock into a metadata block and stamps its
// checksum. Equal field values always produce identical bytes.
func (sb *Superblock) Pack(data []byte) {
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint32(data[sbFlagsOff:], sb.Flags)
	binary.LittleEndian.PutUint64(data[sbBlocknrOff:], sb.Blocknr)
	copy(data[sbUUIDOff:], sb.UUID[:])
	binary.LittleEndian.PutUint64(data[sbMagicOff:], SuperblockMagic)
	binary.LittleEndian.PutUint32(data[sbVersionOff:], sb.Version)
	binary.LittleEndian.PutUint32(data[sbTimeOff:], sb.Time)
	binary.LittleEndian.PutUint64(data[sbTransIDOff:], sb.TransactionID)
	binary.LittleEndian.PutUint64(data[sbMetadataSnapOff:], sb.MetadataSnap)
	copy(data[sbDataSMRootOff:], sb.DataSMRoot[:])
	copy(data[sbMetaSMRootOff:], sb.MetadataSMRoot[:])
	binary.LittleEndian.PutUint64(data[sbMappingRootOff:], sb.MappingRoot)
	binary.LittleEndian.PutUint64(data[sbDetailsRootOff:], sb.DetailsRoot)
	binary.LittleEndian.PutUint32(data[sbDataBlockSzOff:], sb.DataBlockSize)
	binary.LittleEndian.PutUint32(data[sbMetaBlockSzOff:], sb.MetadataBlockSize)
	binary.LittleEndian.PutUint64(data[sbMetaNrBlocksOff:], sb.MetadataNrBlocks)
	WriteChecksum(data, BTSuperblock)
}
