package thinmerge

import (
	"fmt"

	"thinmerge/internal/btree"
	"thinmerge/internal/layout"
	"thinmerge/internal/space"
)

// Check verifies that the metadata image at input is self-consistent:
// checksums hold, every device id appears in both the details tree and the
// top-level mapping tree, every reachable tree node is allocated in the
// metadata space map, and each data block's reference count matches the
// number of mapping entries pointing at it.
func Check(input string, options ...Option) error {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}

	e, err := openInput(input, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	sb, err := readSuperblock(e, opts.metadataSnap)
	if err != nil {
		return err
	}

	roots, err := btree.ToMap[uint64](e, layout.BlockPtrType{}, sb.MappingRoot)
	if err != nil {
		return err
	}
	details, err := btree.ToMap[layout.DeviceDetail](e, layout.DetailType{}, sb.DetailsRoot)
	if err != nil {
		return err
	}
	for id := range roots {
		if _, ok := details[id]; !ok {
			return fmt.Errorf("device %d has a mapping tree but no details record: %w",
				id, ErrDeviceNotFound)
		}
	}
	for id := range details {
		if _, ok := roots[id]; !ok {
			return fmt.Errorf("device %d has a details record but no mapping tree: %w",
				id, ErrDeviceNotFound)
		}
	}

	metaRoot := layout.UnpackSMRoot(sb.MetadataSMRoot[:])
	metaMap, err := space.ReadDiskMap(e, space.Metadata, metaRoot)
	if err != nil {
		return err
	}
	dataRoot := layout.UnpackSMRoot(sb.DataSMRoot[:])
	dataMap, err := space.ReadDiskMap(e, space.Data, dataRoot)
	if err != nil {
		return err
	}

	// Every block the image is built from must be allocated in its own
	// metadata space map.
	walker := btree.NewWalker(e)
	allocated := []uint64{layout.SuperblockLocation}
	for _, root := range []uint64{
		sb.MappingRoot, sb.DetailsRoot,
		dataRoot.BitmapRoot, dataRoot.RefCountRoot, metaRoot.RefCountRoot,
	} {
		nodes, err := walker.CollectNodes(root)
		if err != nil {
			return err
		}
		allocated = append(allocated, nodes...)
	}
	for _, devRoot := range roots {
		nodes, err := walker.CollectNodes(devRoot)
		if err != nil {
			return err
		}
		allocated = append(allocated, nodes...)
	}
	for _, kind := range []space.Kind{space.Metadata, space.Data} {
		root := metaRoot
		if kind == space.Data {
			root = dataRoot
		}
		blocks, err := space.IndexBlocks(e, kind, root)
		if err != nil {
			return err
		}
		allocated = append(allocated, blocks...)
	}
	for _, nr := range allocated {
		count, err := metaMap.Get(nr)
		if err != nil {
			return err
		}
		if count == 0 {
			return &InvariantError{Kind: space.Metadata, Block: nr,
				Msg: "reachable block is unallocated in the metadata space map"}
		}
	}

	// Count data references across every device and compare with the data
	// space map, entry by entry.
	refs := make(map[uint64]uint32)
	for _, devRoot := range roots {
		iter, err := btree.NewMappingIterator(e, walker, devRoot)
		if err != nil {
			return err
		}
		for {
			m, ok := iter.Next()
			if !ok {
				break
			}
			refs[m.Data.Block]++
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	for b := uint64(0); b < dataMap.NrBlocks(); b++ {
		count, err := dataMap.Get(b)
		if err != nil {
			return err
		}
		if count != refs[b] {
			return &InvariantError{Kind: space.Data, Block: b,
				Msg: fmt.Sprintf("space map records %d references, mapping trees hold %d",
					count, refs[b])}
		}
	}
	return nil
}
