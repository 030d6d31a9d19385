package thinmerge

import (
	"errors"

	"thinmerge/internal/block"
	"thinmerge/internal/layout"
	"thinmerge/internal/space"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrNoMetadataSnap means metadata-snapshot mode was requested but the
	// input superblock has no frozen snapshot recorded.
	ErrNoMetadataSnap = errors.New("no current metadata snapshot")

	// ErrDeviceNotFound means a requested device id has no details record
	// or no mapping subtree in the input metadata.
	ErrDeviceNotFound = errors.New("device not found in metadata")
)

// The concrete failure kinds live next to the layers that raise them; the
// aliases let callers match without importing internal packages.
type (
	IoError              = block.IoError
	SizeError            = block.SizeError
	ChecksumError        = layout.ChecksumError
	VersionError         = layout.VersionError
	CorruptMetadataError = layout.CorruptMetadataError
	OutOfSpaceError      = space.OutOfSpaceError
	InvariantError       = space.InvariantError
)
