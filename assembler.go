package thinmerge

import (
	"fmt"
	"sort"

	"thinmerge/internal/block"
	"thinmerge/internal/btree"
	"thinmerge/internal/layout"
	"thinmerge/internal/space"
)

// imageBuilder assembles a complete metadata image on the output engine:
// per-device mapping subtrees, the device-details tree, the top-level tree,
// both space maps and finally the superblock. Block 0 is reserved up front
// and the superblock lands there last, after everything it references is
// durably written.
type imageBuilder struct {
	engine block.Engine
	meta   *space.Map
	data   *space.Map

	// Superblock fields carried over from the input.
	version       uint32
	time          uint32
	transactionID uint64
	dataBlockSize uint32

	devices map[uint64]deviceEntry
}

type deviceEntry struct {
	detail layout.DeviceDetail
	root   uint64
}

func newImageBuilder(e block.Engine, in *layout.Superblock, nrDataBlocks uint64) (*imageBuilder, error) {
	nrMeta := e.NrBlocks()
	if nrMeta > layout.MaxMetadataBlocks {
		nrMeta = layout.MaxMetadataBlocks
	}
	meta := space.NewMap(space.Metadata, nrMeta)

	// Block 0 belongs to the superblock; reserving it first keeps every
	// other allocation clear of it.
	nr, err := meta.Alloc()
	if err != nil {
		return nil, err
	}
	if nr != layout.SuperblockLocation {
		return nil, &InvariantError{Kind: space.Metadata, Block: nr,
			Msg: "superblock reservation yielded a non-zero block"}
	}

	return &imageBuilder{
		engine:        e,
		meta:          meta,
		data:          space.NewMap(space.Data, nrDataBlocks),
		version:       in.Version,
		time:          in.Time,
		transactionID: in.TransactionID,
		dataBlockSize: in.DataBlockSize,
		devices:       make(map[uint64]deviceEntry),
	}, nil
}

// deviceWriter streams one device's mapping runs into a fresh subtree.
type deviceWriter struct {
	img     *imageBuilder
	id      uint64
	detail  layout.DeviceDetail
	builder *btree.Builder[layout.BlockTime]
}

// beginDevice opens a mapping subtree published under id with the given
// details record.
func (img *imageBuilder) beginDevice(id uint64, detail layout.DeviceDetail) (*deviceWriter, error) {
	if _, dup := img.devices[id]; dup {
		return nil, &InvariantError{Kind: space.Metadata, Block: 0,
			Msg: fmt.Sprintf("device %d emitted twice", id)}
	}
	return &deviceWriter{
		img:     img,
		id:      id,
		detail:  detail,
		builder: btree.NewBuilder[layout.BlockTime](img.engine, img.meta, layout.MappingType{}),
	}, nil
}

// writeRun emits one contiguous mapping run and registers its data-block
// references. Each merged entry takes exactly one reference, however many
// source trees pointed at the block before.
func (w *deviceWriter) writeRun(run mappingRun) error {
	for i := uint64(0); i < run.Len; i++ {
		if err := w.img.data.Inc(run.Data + i); err != nil {
			return err
		}
		bt := layout.BlockTime{Block: run.Data + i, Time: run.Time}
		if err := w.builder.Push(run.Thin+i, bt); err != nil {
			return err
		}
	}
	return nil
}

// end closes the subtree. The details record's mapped-block count is
// recomputed from what was actually emitted, since a merge changes it.
func (w *deviceWriter) end() error {
	nrMapped := w.builder.NrEntries()
	root, err := w.builder.Complete()
	if err != nil {
		return err
	}
	detail := w.detail
	detail.MappedBlocks = nrMapped
	w.img.devices[w.id] = deviceEntry{detail: detail, root: root}
	return nil
}

// commit writes the details tree, the top-level tree, both space maps and
// the superblock, then flushes. After commit the image is self-consistent
// and mountable.
func (img *imageBuilder) commit() error {
	ids := make([]uint64, 0, len(img.devices))
	for id := range img.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	details := btree.NewBuilder[layout.DeviceDetail](img.engine, img.meta, layout.DetailType{})
	topLevel := btree.NewBuilder[uint64](img.engine, img.meta, layout.BlockPtrType{})
	for _, id := range ids {
		dev := img.devices[id]
		if err := details.Push(id, dev.detail); err != nil {
			return err
		}
		if err := topLevel.Push(id, dev.root); err != nil {
			return err
		}
	}
	detailsRoot, err := details.Complete()
	if err != nil {
		return err
	}
	mappingRoot, err := topLevel.Complete()
	if err != nil {
		return err
	}

	dataRoot, err := space.WriteDataMap(img.engine, img.data, img.meta)
	if err != nil {
		return err
	}
	metaRoot, err := space.WriteMetadataMap(img.engine, img.meta)
	if err != nil {
		return err
	}

	sb := layout.Superblock{
		Blocknr:           layout.SuperblockLocation,
		Version:           img.version,
		Time:              img.time,
		TransactionID:     img.transactionID,
		MappingRoot:       mappingRoot,
		DetailsRoot:       detailsRoot,
		DataBlockSize:     img.dataBlockSize,
		MetadataBlockSize: layout.BlockSize / layout.SectorSize,
		MetadataNrBlocks:  img.meta.NrBlocks(),
	}
	dataRoot.Pack(sb.DataSMRoot[:])
	metaRoot.Pack(sb.MetadataSMRoot[:])

	// Everything the superblock points at must be on disk before the
	// superblock itself.
	if err := img.engine.Flush(); err != nil {
		return err
	}
	sbBlock := block.NewBlock(layout.SuperblockLocation)
	sb.Pack(sbBlock.Data)
	if err := img.engine.WriteBlock(sbBlock); err != nil {
		return err
	}
	return img.engine.Flush()
}

// estimateRequired gives a lower bound on the metadata blocks the output
// needs: the merged mapping leaves plus their internal layers, both space
// maps and the fixed per-image blocks. Used for the up-front size check;
// OutOfSpaceError still backstops allocation if the estimate is beaten.
func estimateRequired(nrMappings, nrDataBlocks uint64) uint64 {
	leafEntries := uint64(layout.CalcMaxEntries(layout.MappingType{}.Size()))
	leaves := (nrMappings + leafEntries - 1) / leafEntries
	if leaves == 0 {
		leaves = 1
	}
	internal := leaves / uint64(layout.CalcMaxEntries(8))

	dataBitmaps := (nrDataBlocks + layout.EntriesPerBitmap - 1) / layout.EntriesPerBitmap

	// superblock, details root, top-level root, data sm index + overflow
	// roots, metadata sm index block + one bitmap + overflow root
	const fixed = 8
	return fixed + leaves + internal + dataBitmaps
}
