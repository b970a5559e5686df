package dispatch

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type prefetchKey struct {
	txnID     int64
	signature uint64
}

// PrefetchCache holds fragment results pushed ahead of demand by remote
// sites. Entries are keyed by (txn, fragment signature) and evicted LRU so
// abandoned prefetches cannot pin memory.
type PrefetchCache struct {
	cache *lru.Cache[prefetchKey, []byte]
}

// NewPrefetchCache builds a cache bounded to size entries.
func NewPrefetchCache(size int) (*PrefetchCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[prefetchKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &PrefetchCache{cache: c}, nil
}

// Put stores a prefetched result.
func (p *PrefetchCache) Put(txnID int64, signature uint64, result []byte) {
	p.cache.Add(prefetchKey{txnID: txnID, signature: signature}, result)
}

// Get removes and returns the result for (txn, signature).
func (p *PrefetchCache) Get(txnID int64, signature uint64) ([]byte, bool) {
	k := prefetchKey{txnID: txnID, signature: signature}
	res, ok := p.cache.Get(k)
	if ok {
		p.cache.Remove(k)
	}
	return res, ok
}

// DropTxn evicts every entry for a finished transaction.
func (p *PrefetchCache) DropTxn(txnID int64) {
	for _, k := range p.cache.Keys() {
		if k.txnID == txnID {
			p.cache.Remove(k)
		}
	}
}

// Len reports the number of cached results.
func (p *PrefetchCache) Len() int { return p.cache.Len() }
