// Package thinmerge folds the mapping metadata of a thin-pool external
// snapshot into its origin device, writing a complete, self-consistent
// metadata image to a separate output device or file. The input is only ever
// read; the output holds only the merged device.
package thinmerge

import (
	"fmt"

	"thinmerge/internal/block"
	"thinmerge/internal/btree"
	"thinmerge/internal/layout"
)

// Merge reads the metadata at input, merges the snapshot device's mappings
// over the origin device's, and writes a new metadata image to output. With
// no WithSnapshot option the origin device alone is carried over. The output
// target must be pre-sized; it is never grown.
//
// Any corruption or consistency failure aborts the merge and leaves the
// output unusable. There is no partial success.
func Merge(input, output string, origin uint64, options ...Option) error {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	log := opts.logger

	in, err := openInput(input, opts)
	if err != nil {
		return err
	}
	defer in.Close()

	sb, err := readSuperblock(in, opts.metadataSnap)
	if err != nil {
		return err
	}

	out, err := openOutput(output, opts)
	if err != nil {
		return err
	}
	defer out.Close()

	if opts.haveSnapshot {
		log.Info("merging external snapshot into origin",
			"input", input, "output", output,
			"origin", origin, "snapshot", opts.snapshot, "rebase", opts.rebase)
		err = mergeDevices(in, out, output, sb, origin, opts.snapshot, opts.rebase)
	} else {
		log.Info("copying single device", "input", input, "output", output, "device", origin)
		err = dumpDevice(in, out, output, sb, origin)
	}
	if err != nil {
		log.Error("merge failed", "error", err)
		return err
	}
	log.Info("merge complete", "output", output)
	return nil
}

func openInput(path string, opts Options) (block.Engine, error) {
	var (
		e   block.Engine
		err error
	)
	if opts.engineMode == EngineAsync {
		e, err = block.OpenAsync(path, false)
	} else {
		e, err = block.OpenSync(path, false)
	}
	if err != nil {
		return nil, err
	}
	return block.NewCached(e, opts.cacheBlocks)
}

func openOutput(path string, opts Options) (block.Engine, error) {
	if opts.engineMode == EngineAsync {
		return block.OpenAsync(path, true)
	}
	return block.OpenSync(path, true)
}

// readSuperblock reads the live superblock and, when useSnap is set, chases
// the frozen metadata-snapshot copy instead. The frozen copy predates recent
// data-device growth, so its data space map root is patched with the live
// one to carry current size information.
func readSuperblock(e block.Engine, useSnap bool) (*layout.Superblock, error) {
	b, err := e.ReadBlock(layout.SuperblockLocation)
	if err != nil {
		return nil, err
	}
	sb, err := layout.UnpackSuperblock(b.Data, layout.SuperblockLocation)
	if err != nil {
		return nil, err
	}
	if !useSnap {
		return sb, nil
	}

	if sb.MetadataSnap == 0 {
		return nil, ErrNoMetadataSnap
	}
	sbsnap, err := e.ReadBlock(sb.MetadataSnap)
	if err != nil {
		return nil, err
	}
	frozen, err := layout.UnpackSuperblock(sbsnap.Data, sb.MetadataSnap)
	if err != nil {
		return nil, err
	}
	frozen.DataSMRoot = sb.DataSMRoot
	return frozen, nil
}

// lookupDevice resolves a device id against the top-level mapping tree and
// the details tree; the id must appear in both.
func lookupDevice(roots map[uint64]uint64, details map[uint64]layout.DeviceDetail,
	id uint64, role string) (uint64, layout.DeviceDetail, error) {

	detail, ok := details[id]
	if !ok {
		return 0, layout.DeviceDetail{}, fmt.Errorf("no details record for %s device %d: %w",
			role, id, ErrDeviceNotFound)
	}
	root, ok := roots[id]
	if !ok {
		return 0, layout.DeviceDetail{}, fmt.Errorf("no mapping tree for %s device %d: %w",
			role, id, ErrDeviceNotFound)
	}
	return root, detail, nil
}

func mergeDevices(in, out block.Engine, outPath string, sb *layout.Superblock,
	originID, snapID uint64, rebase bool) error {

	roots, err := btree.ToMap[uint64](in, layout.BlockPtrType{}, sb.MappingRoot)
	if err != nil {
		return err
	}
	details, err := btree.ToMap[layout.DeviceDetail](in, layout.DetailType{}, sb.DetailsRoot)
	if err != nil {
		return err
	}

	originRoot, originDetail, err := lookupDevice(roots, details, originID, "origin")
	if err != nil {
		return err
	}
	snapRoot, snapDetail, err := lookupDevice(roots, details, snapID, "snapshot")
	if err != nil {
		return err
	}

	// One walker for both subtrees: copy-on-write ancestry means they
	// share most nodes, and the memo expands each shared node once.
	walker := btree.NewWalker(in)
	originIter, err := btree.NewMappingIterator(in, walker, originRoot)
	if err != nil {
		return err
	}
	snapIter, err := btree.NewMappingIterator(in, walker, snapRoot)
	if err != nil {
		return err
	}

	dataRoot := layout.UnpackSMRoot(sb.DataSMRoot[:])
	required := estimateRequired(
		minMappings(originIter.NrLeaves(), snapIter.NrLeaves()), dataRoot.NrBlocks)
	if err := block.RequireBlocks(out, outPath, required); err != nil {
		return err
	}

	img, err := newImageBuilder(out, sb, dataRoot.NrBlocks)
	if err != nil {
		return err
	}

	pubID, pubDetail := originID, originDetail
	if rebase {
		pubID, pubDetail = snapID, snapDetail
	}
	dev, err := img.beginDevice(pubID, pubDetail)
	if err != nil {
		return err
	}

	originStream, err := btree.NewMappingStream(originIter)
	if err != nil {
		return err
	}
	snapStream, err := btree.NewMappingStream(snapIter)
	if err != nil {
		return err
	}
	merged := newMergeStream(originStream, snapStream)

	var rb runBuilder
	for {
		m, ok := merged.next()
		if !ok {
			break
		}
		if run, ready := rb.next(m); ready {
			if err := dev.writeRun(run); err != nil {
				return err
			}
		}
	}
	if err := merged.Err(); err != nil {
		return err
	}
	if run, ready := rb.complete(); ready {
		if err := dev.writeRun(run); err != nil {
			return err
		}
	}

	if err := dev.end(); err != nil {
		return err
	}
	return img.commit()
}

func dumpDevice(in, out block.Engine, outPath string, sb *layout.Superblock, id uint64) error {
	roots, err := btree.ToMap[uint64](in, layout.BlockPtrType{}, sb.MappingRoot)
	if err != nil {
		return err
	}
	details, err := btree.ToMap[layout.DeviceDetail](in, layout.DetailType{}, sb.DetailsRoot)
	if err != nil {
		return err
	}
	root, detail, err := lookupDevice(roots, details, id, "origin")
	if err != nil {
		return err
	}

	iter, err := btree.NewMappingIterator(in, btree.NewWalker(in), root)
	if err != nil {
		return err
	}

	dataRoot := layout.UnpackSMRoot(sb.DataSMRoot[:])
	required := estimateRequired(minMappings(iter.NrLeaves(), 0), dataRoot.NrBlocks)
	if err := block.RequireBlocks(out, outPath, required); err != nil {
		return err
	}

	img, err := newImageBuilder(out, sb, dataRoot.NrBlocks)
	if err != nil {
		return err
	}
	dev, err := img.beginDevice(id, detail)
	if err != nil {
		return err
	}

	var rb runBuilder
	for {
		m, ok := iter.Next()
		if !ok {
			break
		}
		if run, ready := rb.next(m); ready {
			if err := dev.writeRun(run); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if run, ready := rb.complete(); ready {
		if err := dev.writeRun(run); err != nil {
			return err
		}
	}

	if err := dev.end(); err != nil {
		return err
	}
	return img.commit()
}

// minMappings bounds the merged entry count from below using leaf counts:
// every non-root leaf in the larger source tree is at least half full, and
// the merge never emits fewer entries than its larger input holds leaves
// for. Used only for the up-front size check, so under-counting is safe.
func minMappings(aLeaves, bLeaves int) uint64 {
	leaves := aLeaves
	if bLeaves > leaves {
		leaves = bLeaves
	}
	if leaves <= 1 {
		return 0
	}
	half := uint64(layout.CalcMaxEntries(layout.MappingType{}.Size()) / 2)
	return uint64(leaves-1) * half
}
