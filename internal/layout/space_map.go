package layout

import "encoding/binary"

// Space maps track one reference count per block. Counts 0-2 live inline in
// bitmap blocks, two bits per block; the sentinel value 3 means the exact
// count is in the overflow B-tree keyed by block number.

const (
	// BitmapHeaderSize precedes the packed counts in a bitmap block:
	// csum u32 | not_used u32 | blocknr u64.
	BitmapHeaderSize = 16

	// EntriesPerBitmap is how many 2-bit counts fit in one bitmap block.
	EntriesPerBitmap = (BlockSize - BitmapHeaderSize) * 4

	// MaxMetadataBitmaps bounds the metadata space map: its index block
	// holds at most this many bitmap entries.
	MaxMetadataBitmaps = 255

	// MaxMetadataBlocks is the largest metadata device the format can
	// describe.
	MaxMetadataBlocks = MaxMetadataBitmaps * EntriesPerBitmap

	// BitmapOverflow is the inline count meaning "see the overflow tree".
	BitmapOverflow = 3

	// IndexEntrySize is the packed size of one bitmap index entry.
	IndexEntrySize = 16
)

// SMRoot is the packed root of a space map, embedded in the superblock's
// 128-byte root areas. BitmapRoot is an index B-tree root for the data space
// map and a metadata-index block number for the metadata space map.
type SMRoot struct {
	NrBlocks     uint64
	NrAllocated  uint64
	BitmapRoot   uint64
	RefCountRoot uint64
}

// UnpackSMRoot decodes a space-map root from a superblock root area.
func UnpackSMRoot(data []byte) SMRoot {
	return SMRoot{
		NrBlocks:     binary.LittleEndian.Uint64(data[0:]),
		NrAllocated:  binary.LittleEndian.Uint64(data[8:]),
		BitmapRoot:   binary.LittleEndian.Uint64(data[16:]),
		RefCountRoot: binary.LittleEndian.Uint64(data[24:]),
	}
}

// Pack serializes the root into a superblock root area, zero-filling the
// unused tail.
func (r SMRoot) Pack(data []byte) {
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint64(data[0:], r.NrBlocks)
	binary.LittleEndian.PutUint64(data[8:], r.NrAllocated)
	binary.LittleEndian.PutUint64(data[16:], r.BitmapRoot)
	binary.LittleEndian.PutUint64(data[24:], r.RefCountRoot)
}

// IndexEntry locates one bitmap block and summarizes its free space.
type IndexEntry struct {
	Blocknr        uint64
	NrFree         uint32
	NoneFreeBefore uint32
}

// IndexEntryType packs IndexEntry values (the data space map's index tree).
type IndexEntryType struct{}

func (IndexEntryType) Size() int { return IndexEntrySize }

func (IndexEntryType) Unpack(b []byte) IndexEntry {
	return IndexEntry{
		Blocknr:        binary.LittleEndian.Uint64(b[0:]),
		NrFree:         binary.LittleEndian.Uint32(b[8:]),
		NoneFreeBefore: binary.LittleEndian.Uint32(b[12:]),
	}
}

func (IndexEntryType) Pack(v IndexEntry, b []byte) {
	binary.LittleEndian.PutUint64(b[0:], v.Blocknr)
	binary.LittleEndian.PutUint32(b[8:], v.NrFree)
	binary.LittleEndian.PutUint32(b[12:], v.NoneFreeBefore)
}

// UnpackMetadataIndex decodes the metadata space map's index block: a
// checksummed array of index entries, one per bitmap.
func UnpackMetadataIndex(data []byte, blocknr uint64, nrBitmaps int) ([]IndexEntry, error) {
	if len(data) != BlockSize {
		return nil, corrupt(blocknr, "index buffer is %d bytes, want %d", len(data), BlockSize)
	}
	if !VerifyChecksum(data, BTIndex) {
		return nil, &ChecksumError{Block: blocknr, Kind: BTIndex}
	}
	if recorded := binary.LittleEndian.Uint64(data[8:]); recorded != blocknr {
		return nil, corrupt(blocknr, "index block records location %d", recorded)
	}
	if nrBitmaps > MaxMetadataBitmaps {
		return nil, corrupt(blocknr, "%d bitmaps exceed index capacity %d", nrBitmaps, MaxMetadataBitmaps)
	}
	entries := make([]IndexEntry, nrBitmaps)
	var vt IndexEntryType
	for i := range entries {
		entries[i] = vt.Unpack(data[BitmapHeaderSize+i*IndexEntrySize:])
	}
	return entries, nil
}

// PackMetadataIndex serializes the metadata space map's index block.
func PackMetadataIndex(data []byte, blocknr uint64, entries []IndexEntry) {
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint64(data[8:], blocknr)
	var vt IndexEntryType
	for i, e := range entries {
		vt.Pack(e, data[BitmapHeaderSize+i*IndexEntrySize:])
	}
	WriteChecksum(data, BTIndex)
}

// InitBitmap prepares an empty bitmap block at blocknr. Counts are written
// with BitmapSet; the checksum must be stamped with SealBitmap afterwards.
func InitBitmap(data []byte, blocknr uint64) {
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint64(data[8:], blocknr)
}

// SealBitmap stamps a bitmap block's checksum after its counts are final.
func SealBitmap(data []byte) {
	WriteChecksum(data, BTBitmap)
}

// VerifyBitmap checks a bitmap block read from blocknr.
func VerifyBitmap(data []byte, blocknr uint64) error {
	if !VerifyChecksum(data, BTBitmap) {
		return &ChecksumError{Block: blocknr, Kind: BTBitmap}
	}
	if recorded := binary.LittleEndian.Uint64(data[8:]); recorded != blocknr {
		return corrupt(blocknr, "bitmap block records location %d", recorded)
	}
	return nil
}

// BitmapGet returns the 2-bit count of entry i. Entries pack 32 to a
// little-endian u64 word; entry i occupies bits 2j and 2j+1 of word i/32,
// high bit first.
func BitmapGet(data []byte, i int) byte {
	word := binary.LittleEndian.Uint64(data[BitmapHeaderSize+(i/32)*8:])
	bit := uint(i%32) * 2
	hi := (word >> bit) & 1
	lo := (word >> (bit + 1)) & 1
	return byte(hi<<1 | lo)
}

// BitmapSet stores a 2-bit count for entry i.
func BitmapSet(data []byte, i int, count byte) {
	off := BitmapHeaderSize + (i/32)*8
	word := binary.LittleEndian.Uint64(data[off:])
	bit := uint(i%32) * 2
	word &^= 3 << bit
	word |= uint64(count>>1&1) << bit
	word |= uint64(count&1) << (bit + 1)
	binary.LittleEndian.PutUint64(data[off:], word)
}
