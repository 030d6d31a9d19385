package thinmerge

import "thinmerge/internal/btree"

// mergeStream walks the origin and snapshot mapping streams in lock-step
// over the virtual address space. Where both streams map the same virtual
// block the snapshot's mapping wins: that block was written (or re-pointed)
// on the snapshot and shadows the origin.
type mergeStream struct {
	origin *btree.MappingStream
	snap   *btree.MappingStream
	err    error
}

func newMergeStream(origin, snap *btree.MappingStream) *mergeStream {
	return &mergeStream{origin: origin, snap: snap}
}

// next yields the winning mapping for the lowest unconsumed virtual block.
func (s *mergeStream) next() (btree.Mapping, bool) {
	if s.err != nil {
		return btree.Mapping{}, false
	}

	om, haveOrigin := s.origin.Peek()
	sm, haveSnap := s.snap.Peek()

	switch {
	case haveOrigin && haveSnap:
		switch {
		case om.Thin < sm.Thin:
			return s.take(om, s.origin)
		case om.Thin > sm.Thin:
			return s.take(sm, s.snap)
		default:
			// Same virtual block in both trees: the snapshot shadows
			// the origin, and the origin's entry is discarded.
			if s.err = s.origin.Step(); s.err != nil {
				return btree.Mapping{}, false
			}
			return s.take(sm, s.snap)
		}
	case haveOrigin:
		return s.take(om, s.origin)
	case haveSnap:
		return s.take(sm, s.snap)
	default:
		return btree.Mapping{}, false
	}
}

func (s *mergeStream) take(m btree.Mapping, from *btree.MappingStream) (btree.Mapping, bool) {
	if s.err = from.Step(); s.err != nil {
		return btree.Mapping{}, false
	}
	return m, true
}

// Err reports the first traversal failure.
func (s *mergeStream) Err() error { return s.err }
