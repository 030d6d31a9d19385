package thinmerge

import "thinmerge/internal/block"

// EngineMode selects how block I/O is scheduled.
type EngineMode int

const (
	// EngineSync issues one blocking read or write per block.
	// - Simple, strictly ordered
	// - Fine for small metadata images and tests
	EngineSync EngineMode = iota

	// EngineAsync batches operations through a bounded worker queue.
	// - Keeps multiple reads in flight while scanning large trees
	// - Same results as EngineSync, chosen purely for throughput
	EngineAsync
)

// Options configures a merge invocation.
type Options struct {
	engineMode  EngineMode
	cacheBlocks uint32
	logger      Logger

	snapshot     uint64
	haveSnapshot bool
	rebase       bool
	metadataSnap bool
}

// defaultOptions returns the configuration used when no options are given:
// synchronous I/O, a modest read cache, no logging.
func defaultOptions() Options {
	return Options{
		engineMode:  EngineSync,
		cacheBlocks: block.DefaultCacheSize,
		logger:      DiscardLogger{},
	}
}

// Option configures a merge using the functional options pattern.
type Option func(*Options)

// WithSnapshot names the external-snapshot device to fold into the origin.
// Without it only the origin device is carried into the output.
func WithSnapshot(id uint64) Option {
	return func(opts *Options) {
		opts.snapshot = id
		opts.haveSnapshot = true
	}
}

// WithRebase publishes the merged device under the snapshot's id and details
// record instead of the origin's.
func WithRebase() Option {
	return func(opts *Options) {
		opts.rebase = true
	}
}

// WithMetadataSnap reads from the input's frozen metadata-snapshot roots
// instead of the live superblock, so a live pool is never raced.
func WithMetadataSnap() Option {
	return func(opts *Options) {
		opts.metadataSnap = true
	}
}

// WithEngineMode selects the block I/O scheduling mode for both the input
// and output devices.
func WithEngineMode(mode EngineMode) Option {
	return func(opts *Options) {
		opts.engineMode = mode
	}
}

// WithCacheBlocks sets the input read cache capacity in metadata blocks.
func WithCacheBlocks(n uint32) Option {
	return func(opts *Options) {
		opts.cacheBlocks = n
	}
}

// WithLogger routes progress and diagnostics through l.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}
