package block

import (
	"errors"
	"sync"
)

const (
	// queueDepth is the number of I/O workers kept in flight.
	queueDepth = 4
	// writeBatchSize bounds how many dirty blocks accumulate before they
	// are pushed to the device.
	writeBatchSize = 32
)

type ioRequest struct {
	idx int
	nr  uint64
}

type ioResult struct {
	idx   int
	block *Block
	err   error
}

// AsyncEngine spreads reads across a small worker pool and batches writes.
// Results are matched back to their request by index, so ReadMany preserves
// caller order regardless of completion order. The underlying descriptor is
// shared; positioned I/O keeps workers independent.
type AsyncEngine struct {
	inner *SyncEngine

	mu      sync.Mutex
	pending []*Block
}

var _ Engine = (*AsyncEngine)(nil)

// OpenAsync opens path with the asynchronous engine.
func OpenAsync(path string, writable bool) (*AsyncEngine, error) {
	inner, err := OpenSync(path, writable)
	if err != nil {
		return nil, err
	}
	return &AsyncEngine{inner: inner}, nil
}

func (e *AsyncEngine) ReadBlock(nr uint64) (*Block, error) {
	return e.inner.ReadBlock(nr)
}

func (e *AsyncEngine) ReadMany(nrs []uint64) ([]*Block, error) {
	if len(nrs) <= 1 {
		return e.inner.ReadMany(nrs)
	}

	requests := make(chan ioRequest, len(nrs))
	results := make(chan ioResult, len(nrs))

	workers := queueDepth
	if workers > len(nrs) {
		workers = len(nrs)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range requests {
				b, err := e.inner.ReadBlock(req.nr)
				results <- ioResult{idx: req.idx, block: b, err: err}
			}
		}()
	}

	for i, nr := range nrs {
		requests <- ioRequest{idx: i, nr: nr}
	}
	close(requests)
	wg.Wait()
	close(results)

	blocks := make([]*Block, len(nrs))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		blocks[res.idx] = res.block
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return blocks, nil
}

func (e *AsyncEngine) WriteBlock(b *Block) error {
	e.mu.Lock()
	e.pending = append(e.pending, b)
	full := len(e.pending) >= writeBatchSize
	e.mu.Unlock()
	if full {
		return e.drain()
	}
	return nil
}

// drain pushes buffered writes through the worker pool.
func (e *AsyncEngine) drain() error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	workers := queueDepth
	if workers > len(batch) {
		workers = len(batch)
	}
	requests := make(chan *Block, len(batch))
	errs := make(chan error, len(batch))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range requests {
				errs <- e.inner.WriteBlock(b)
			}
		}()
	}
	for _, b := range batch {
		requests <- b
	}
	close(requests)
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		if err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

// Flush drains buffered writes and issues a device barrier.
func (e *AsyncEngine) Flush() error {
	if err := e.drain(); err != nil {
		return err
	}
	return e.inner.Flush()
}

func (e *AsyncEngine) NrBlocks() uint64 { return e.inner.NrBlocks() }

func (e *AsyncEngine) BlockSize() int { return e.inner.BlockSize() }

func (e *AsyncEngine) Close() error {
	if err := e.drain(); err != nil {
		e.inner.Close()
		return err
	}
	return e.inner.Close()
}
