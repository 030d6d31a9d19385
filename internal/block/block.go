// Package block provides fixed-size block access to metadata devices and
// files. Two engines implement the same interface: a synchronous engine that
// issues one blocking pread/pwrite per call, and an asynchronous engine that
// dispatches batches through a bounded worker queue and reassembles results
// by request identity. Callers never branch on which engine is active.
package block

import (
	"fmt"

	"thinmerge/internal/layout"
)

// Block is one metadata block in memory, tagged with its device location.
type Block struct {
	Nr   uint64
	Data []byte
}

// NewBlock allocates a zeroed block for location nr. The buffer is aligned
// for direct I/O.
func NewBlock(nr uint64) *Block {
	return &Block{Nr: nr, Data: alignedBuffer()}
}

// Engine is the capability the rest of the system uses to touch a metadata
// device: block-granular reads and writes plus a flush barrier. NrBlocks is
// the device's capacity in metadata blocks.
type Engine interface {
	ReadBlock(nr uint64) (*Block, error)
	ReadMany(nrs []uint64) ([]*Block, error)
	WriteBlock(b *Block) error
	Flush() error
	NrBlocks() uint64
	BlockSize() int
	Close() error
}

// IoError reports a failed device access: a short transfer, an out-of-range
// block number or an underlying device error.
type IoError struct {
	Op    string
	Block uint64
	Err   error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s block %d: %v", e.Op, e.Block, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// SizeError reports a target device or file smaller than the metadata extent
// an operation requires. It is raised up front, before any destructive write.
type SizeError struct {
	Path     string
	Blocks   uint64
	Required uint64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s holds %d metadata blocks, need at least %d",
		e.Path, e.Blocks, e.Required)
}

func errShortRead(op string, nr uint64, n int) *IoError {
	return &IoError{Op: op, Block: nr, Err: fmt.Errorf("short transfer: %d of %d bytes", n, layout.BlockSize)}
}

func errOutOfRange(op string, nr, nrBlocks uint64) *IoError {
	return &IoError{Op: op, Block: nr, Err: fmt.Errorf("block out of range (device holds %d)", nrBlocks)}
}
