package thinmerge

import "thinmerge/internal/btree"

// mappingRun is a maximal contiguous range of mappings: virtual blocks
// [Thin, Thin+Len) backed by data blocks [Data, Data+Len), all stamped with
// the same time.
type mappingRun struct {
	Thin uint64
	Data uint64
	Time uint32
	Len  uint64
}

// runBuilder coalesces a key-ordered mapping sequence into runs. A mapping
// extends the open run only when both the virtual and data addresses
// continue it and the time matches.
type runBuilder struct {
	run  mappingRun
	open bool
}

// next feeds one mapping in. When the mapping cannot extend the open run,
// the finished run is returned and a new one opened.
func (rb *runBuilder) next(m btree.Mapping) (mappingRun, bool) {
	if rb.open &&
		m.Thin == rb.run.Thin+rb.run.Len &&
		m.Data.Block == rb.run.Data+rb.run.Len &&
		m.Data.Time == rb.run.Time {
		rb.run.Len++
		return mappingRun{}, false
	}

	done := rb.run
	emit := rb.open
	rb.run = mappingRun{Thin: m.Thin, Data: m.Data.Block, Time: m.Data.Time, Len: 1}
	rb.open = true
	return done, emit
}

// complete returns the final open run, if any.
func (rb *runBuilder) complete() (mappingRun, bool) {
	if !rb.open {
		return mappingRun{}, false
	}
	rb.open = false
	return rb.run, true
}
