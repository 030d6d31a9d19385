package layout

import "fmt"

// ChecksumError reports a metadata block whose stored checksum does not match
// its contents. It is never tolerated: the block's payload cannot be trusted.
type ChecksumError struct {
	Block uint64
	Kind  BlockType
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch in %s block %d", e.Kind, e.Block)
}

// VersionError reports an on-disk format version this tool does not support.
type VersionError struct {
	Version uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported metadata version %d (expected %d)", e.Version, MetadataVersion)
}

// CorruptMetadataError reports a structural problem in the metadata: a bad
// magic number, out-of-order keys, an out-of-range child pointer, and so on.
// Block identifies the offending metadata block.
type CorruptMetadataError struct {
	Block  uint64
	Reason string
}

func (e *CorruptMetadataError) Error() string {
	return fmt.Sprintf("corrupt metadata in block %d: %s", e.Block, e.Reason)
}

func corrupt(block uint64, format string, args ...any) *CorruptMetadataError {
	return &CorruptMetadataError{Block: block, Reason: fmt.Sprintf(format, args...)}
}
