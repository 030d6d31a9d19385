package block

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// DefaultCacheSize is the number of blocks the read cache keeps resident.
// Shared btree nodes dominate snapshot metadata, so even a small cache
// absorbs most repeat reads during a merge.
const DefaultCacheSize = 4096

func hashBlockNr(nr uint64) uint32 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], nr)
	return uint32(xxhash.Sum64(key[:]))
}

// CachedEngine layers an LRU over any engine's read path. Writes pass
// through and invalidate, so a cached input engine stays coherent even when
// the same engine backs reads during validation.
type CachedEngine struct {
	inner Engine
	lru   *freelru.SyncedLRU[uint64, *Block]
}

var _ Engine = (*CachedEngine)(nil)

// NewCached wraps inner with a read cache of capacity blocks.
func NewCached(inner Engine, capacity uint32) (*CachedEngine, error) {
	lru, err := freelru.NewSynced[uint64, *Block](capacity, hashBlockNr)
	if err != nil {
		return nil, err
	}
	return &CachedEngine{inner: inner, lru: lru}, nil
}

func (e *CachedEngine) ReadBlock(nr uint64) (*Block, error) {
	if b, ok := e.lru.Get(nr); ok {
		return b, nil
	}
	b, err := e.inner.ReadBlock(nr)
	if err != nil {
		return nil, err
	}
	e.lru.Add(nr, b)
	return b, nil
}

func (e *CachedEngine) ReadMany(nrs []uint64) ([]*Block, error) {
	blocks := make([]*Block, len(nrs))
	var missing []uint64
	var missingIdx []int
	for i, nr := range nrs {
		if b, ok := e.lru.Get(nr); ok {
			blocks[i] = b
		} else {
			missing = append(missing, nr)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) == 0 {
		return blocks, nil
	}
	fetched, err := e.inner.ReadMany(missing)
	if err != nil {
		return nil, err
	}
	for i, b := range fetched {
		blocks[missingIdx[i]] = b
		e.lru.Add(b.Nr, b)
	}
	return blocks, nil
}

func (e *CachedEngine) WriteBlock(b *Block) error {
	e.lru.Remove(b.Nr)
	return e.inner.WriteBlock(b)
}

func (e *CachedEngine) Flush() error { return e.inner.Flush() }

func (e *CachedEngine) NrBlocks() uint64 { return e.inner.NrBlocks() }

func (e *CachedEngine) BlockSize() int { return e.inner.BlockSize() }

func (e *CachedEngine) Close() error {
	e.lru.Purge()
	return e.inner.Close()
}
