package layout

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcMaxEntries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 252, CalcMaxEntries(8))
	assert.Equal(t, 126, CalcMaxEntries(24))
	assert.Equal(t, 336, CalcMaxEntries(4))
	assert.Equal(t, 168, CalcMaxEntries(16))
}

func TestChecksumRoundtrip(t *testing.T) {
	t.Parallel()

	for _, bt := range []BlockType{BTSuperblock, BTNode, BTIndex, BTBitmap} {
		data := make([]byte, BlockSize)
		for i := range data {
			data[i] = byte(i * 7)
		}
		WriteChecksum(data, bt)
		assert.True(t, VerifyChecksum(data, bt), "type %s", bt)

		data[100] ^= 0x01
		assert.False(t, VerifyChecksum(data, bt), "type %s after corruption", bt)
	}
}

func TestChecksumTypesDisagree(t *testing.T) {
	t.Parallel()

	data := make([]byte, BlockSize)
	WriteChecksum(data, BTNode)
	assert.True(t, VerifyChecksum(data, BTNode))
	assert.False(t, VerifyChecksum(data, BTSuperblock))
	assert.False(t, VerifyChecksum(data, BTBitmap))
}

func TestSuperblockRoundtrip(t *testing.T) {
	t.Parallel()

	sb := Superblock{
		Blocknr:           SuperblockLocation,
		UUID:              uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10"),
		Version:           MetadataVersion,
		Time:              7,
		TransactionID:     42,
		MetadataSnap:      99,
		MappingRoot:       10,
		DetailsRoot:       11,
		DataBlockSize:     128,
		MetadataBlockSize: BlockSize / SectorSize,
		MetadataNrBlocks:  1000,
	}
	SMRoot{NrBlocks: 500, NrAllocated: 20, BitmapRoot: 3, RefCountRoot: 4}.Pack(sb.DataSMRoot[:])
	SMRoot{NrBlocks: 1000, NrAllocated: 30, BitmapRoot: 5, RefCountRoot: 6}.Pack(sb.MetadataSMRoot[:])

	data := make([]byte, BlockSize)
	sb.Pack(data)

	got, err := UnpackSuperblock(data, SuperblockLocation)
	require.NoError(t, err)
	assert.Equal(t, &sb, got)
}

func TestSuperblockChecksumError(t *testing.T) {
	t.Parallel()

	sb := Superblock{Version: MetadataVersion, MetadataBlockSize: BlockSize / SectorSize}
	data := make([]byte, BlockSize)
	sb.Pack(data)
	data[40] ^= 0xff

	_, err := UnpackSuperblock(data, SuperblockLocation)
	var cerr *ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(SuperblockLocation), cerr.Block)
}

func TestSuperblockVersionError(t *testing.T) {
	t.Parallel()

	sb := Superblock{Version: MetadataVersion + 5, MetadataBlockSize: BlockSize / SectorSize}
	data := make([]byte, BlockSize)
	sb.Pack(data)

	_, err := UnpackSuperblock(data, SuperblockLocation)
	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(MetadataVersion+5), verr.Version)
}

func TestSuperblockWrongLocation(t *testing.T) {
	t.Parallel()

	sb := Superblock{Blocknr: 7, Version: MetadataVersion, MetadataBlockSize: BlockSize / SectorSize}
	data := make([]byte, BlockSize)
	sb.Pack(data)

	// The reader believes it read block 7, but the copy at block 0 must
	// never be trusted as the live superblock.
	_, err := UnpackSuperblock(data, 0)
	var cerr *CorruptMetadataError
	require.ErrorAs(t, err, &cerr)
}

func TestMappingValuePacking(t *testing.T) {
	t.Parallel()

	var vt MappingType
	buf := make([]byte, vt.Size())
	in := BlockTime{Block: 0x123456789a, Time: 0xabcdef}
	vt.Pack(in, buf)
	assert.Equal(t, in, vt.Unpack(buf))

	// Time occupies the low 24 bits only.
	vt.Pack(BlockTime{Block: 1, Time: 1 << 23}, buf)
	assert.Equal(t, BlockTime{Block: 1, Time: 1 << 23}, vt.Unpack(buf))
}

func TestLeafRoundtrip(t *testing.T) {
	t.Parallel()

	keys := []uint64{1, 5, 9, 1000}
	values := []BlockTime{
		{Block: 100, Time: 1},
		{Block: 101, Time: 1},
		{Block: 7, Time: 2},
		{Block: 0, Time: 0},
	}
	data := make([]byte, BlockSize)
	PackLeaf[BlockTime](MappingType{}, data, 12, keys, values)

	n, err := UnpackNode[BlockTime](MappingType{}, data, 12)
	require.NoError(t, err)
	assert.True(t, n.Header.IsLeaf())
	assert.Equal(t, keys, n.Keys)
	assert.Equal(t, values, n.Values)
	assert.Empty(t, n.Children)
}

func TestInternalRoundtrip(t *testing.T) {
	t.Parallel()

	keys := []uint64{0, 300, 900}
	children := []uint64{40, 41, 42}
	data := make([]byte, BlockSize)
	PackInternal(data, 13, keys, children)

	// The leaf value type is irrelevant for internal nodes.
	n, err := UnpackNode[BlockTime](MappingType{}, data, 13)
	require.NoError(t, err)
	assert.True(t, n.Header.IsInternal())
	assert.Equal(t, keys, n.Keys)
	assert.Equal(t, children, n.Children)
}

func TestNodeKeyOrderViolation(t *testing.T) {
	t.Parallel()

	data := make([]byte, BlockSize)
	PackLeaf[uint64](BlockPtrType{}, data, 3, []uint64{5, 5}, []uint64{1, 2})

	_, err := UnpackNode[uint64](BlockPtrType{}, data, 3)
	var cerr *CorruptMetadataError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(3), cerr.Block)
}

func TestNodeWrongLocation(t *testing.T) {
	t.Parallel()

	data := make([]byte, BlockSize)
	PackLeaf[uint64](BlockPtrType{}, data, 3, nil, nil)

	// A node read from somewhere other than its recorded location is a
	// dangling pointer, not a transposed block.
	_, err := UnpackNodeHeader(data, 4)
	var cerr *CorruptMetadataError
	require.ErrorAs(t, err, &cerr)
}

func TestBitmapCounts(t *testing.T) {
	t.Parallel()

	data := make([]byte, BlockSize)
	InitBitmap(data, 17)

	// Cross a word boundary and hit every inline count value.
	positions := []int{0, 1, 31, 32, 63, 64, EntriesPerBitmap - 1}
	for i, pos := range positions {
		BitmapSet(data, pos, byte(i%4))
	}
	for i, pos := range positions {
		assert.Equal(t, byte(i%4), BitmapGet(data, pos), "position %d", pos)
	}

	// Untouched entries stay free.
	assert.Equal(t, byte(0), BitmapGet(data, 2))

	SealBitmap(data)
	require.NoError(t, VerifyBitmap(data, 17))
	require.Error(t, VerifyBitmap(data, 18))

	data[200] ^= 0x10
	require.Error(t, VerifyBitmap(data, 17))
}

func TestMetadataIndexRoundtrip(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{Blocknr: 2, NrFree: 100, NoneFreeBefore: 5},
		{Blocknr: 9, NrFree: EntriesPerBitmap, NoneFreeBefore: 0},
	}
	data := make([]byte, BlockSize)
	PackMetadataIndex(data, 1, entries)

	got, err := UnpackMetadataIndex(data, 1, len(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = UnpackMetadataIndex(data, 2, len(entries))
	require.Error(t, err)
}

func TestDeviceDetailRoundtrip(t *testing.T) {
	t.Parallel()

	var vt DetailType
	buf := make([]byte, vt.Size())
	in := DeviceDetail{MappedBlocks: 12345, TransactionID: 2, CreationTime: 3, SnapshottedTime: 4}
	vt.Pack(in, buf)
	assert.Equal(t, in, vt.Unpack(buf))
}
