// Package dispatch routes a multi-partition batch's plan fragments to the
// local engine, same-site peer executors, and remote sites, then collects
// the returned dependencies behind a count-down latch.
package dispatch

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"heronDB/compression"
	"heronDB/herrors"
	"heronDB/storage"
	"heronDB/txn"
	"heronDB/wire"
)

// Coordinator sends batched work requests to other sites.
type Coordinator interface {
	// TransactionWork ships req to targetSite and fires cb exactly once
	// with the result.
	TransactionWork(t *txn.Transaction, targetSite int, req *wire.WorkRequest, cb func(*wire.WorkResult))
}

// Peer is a same-site executor reachable through its work queue.
type Peer interface {
	QueueWork(t *txn.Transaction, frag *wire.WorkFragment, params [][]byte, inputDeps map[int32][][]byte, cb func(*wire.WorkResult))
}

// Topology resolves partitions to sites and same-site peers.
type Topology interface {
	SiteOf(partition int) int
	// Peer returns the same-site executor for partition, nil when the
	// partition lives on another site.
	Peer(partition int) Peer
}

// Batch is the fragment DAG the planner produced for one statement batch.
type Batch struct {
	Fragments []wire.WorkFragment
	// Params is the shared parameter buffer; fragments address it through
	// their ParamIndexes.
	Params    [][]byte
	InputDeps map[int32][][]byte
	// Future announces statements the transaction is expected to issue
	// later. They ride on remote-site fragments so the destination can run
	// them speculatively and push the results back ahead of demand.
	Future []wire.StatementEstimate
}

// ReadOnly reports whether every fragment in the batch is read-only.
func (b *Batch) ReadOnly() bool {
	for i := range b.Fragments {
		if !b.Fragments[i].ReadOnly {
			return false
		}
	}
	return true
}

// Config tunes one dispatcher.
type Config struct {
	// ResponseTimeout bounds the latch wait; expiry is a fatal fault since
	// the cluster is presumed unhealthy.
	ResponseTimeout time.Duration
	// PollInterval is how often the latch wait wakes to run utility work.
	PollInterval time.Duration
}

// Dispatcher is the per-partition fragment router. Confined to the owning
// executor task; only result callbacks arrive from other tasks.
type Dispatcher struct {
	partition int
	site      int
	engine    storage.Engine
	codec     *compression.Codec
	coord     Coordinator
	topo      Topology
	cfg       Config
	prefetch  *PrefetchCache

	// utility runs between latch polls so the partition stays busy while
	// waiting on remote work.
	utility func()
}

// New creates a dispatcher.
func New(partition, site int, engine storage.Engine, codec *compression.Codec, coord Coordinator, topo Topology, prefetch *PrefetchCache, cfg Config) *Dispatcher {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Microsecond
	}
	return &Dispatcher{
		partition: partition,
		site:      site,
		engine:    engine,
		codec:     codec,
		coord:     coord,
		topo:      topo,
		prefetch:  prefetch,
		cfg:       cfg,
	}
}

// SetUtilityWork installs the idle-fill hook invoked between latch polls.
func (d *Dispatcher) SetUtilityWork(fn func()) { d.utility = fn }

// ParamsHash hashes a parameter selection; the sender stamps it on a
// StatementEstimate and the receiver recomputes it to reject a stale index
// mapping.
func ParamsHash(params [][]byte) uint64 {
	h := xxhash.New()
	for _, p := range params {
		var n [4]byte
		n[0] = byte(len(p))
		n[1] = byte(len(p) >> 8)
		n[2] = byte(len(p) >> 16)
		n[3] = byte(len(p) >> 24)
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum64()
}

// SelectParams resolves a statement's parameter indexes against the shared
// buffer.
func SelectParams(indexes []int32, params [][]byte) [][]byte {
	out := make([][]byte, 0, len(indexes))
	for _, idx := range indexes {
		if int(idx) < len(params) {
			out = append(out, params[idx])
		}
	}
	return out
}

// FragmentSignature keys a prefetched result: fragment id, partition, and
// the hash of the fragment's parameters.
func FragmentSignature(fragmentID int32, partition int32, params [][]byte) uint64 {
	h := xxhash.New()
	var scratch [8]byte
	scratch[0] = byte(fragmentID)
	scratch[1] = byte(fragmentID >> 8)
	scratch[2] = byte(fragmentID >> 16)
	scratch[3] = byte(fragmentID >> 24)
	scratch[4] = byte(partition)
	scratch[5] = byte(partition >> 8)
	scratch[6] = byte(partition >> 16)
	scratch[7] = byte(partition >> 24)
	h.Write(scratch[:])
	for _, p := range params {
		h.Write(p)
	}
	return h.Sum64()
}

type collector struct {
	mu      sync.Mutex
	results map[int32][]byte
	pending int
	err     error
	done    chan struct{}
}

func newCollector(pending int) *collector {
	return &collector{
		results: make(map[int32][]byte),
		pending: pending,
		done:    make(chan struct{}),
	}
}

func (c *collector) deliver(ids []int32, data [][]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && c.err == nil {
		c.err = err
	}
	for i, id := range ids {
		if i < len(data) {
			c.results[id] = data[i]
		}
	}
	c.pending--
	if c.pending == 0 {
		close(c.done)
	}
}

// checkPrediction raises a misprediction before any work is sent: a
// single-partition bet touching another partition, a partition outside the
// predicted set, or one the transaction already declared done.
func (d *Dispatcher) checkPrediction(t *txn.Transaction, batch *Batch) error {
	touched := map[int]struct{}{d.partition: {}}
	mispredicted := false
	for i := range batch.Fragments {
		p := int(batch.Fragments[i].PartitionID)
		touched[p] = struct{}{}
		if p == d.partition {
			if t.DoneAt(p) {
				mispredicted = true
			}
			continue
		}
		if t.PredictedSinglePartition() || !t.Predicted(p) || t.DoneAt(p) {
			mispredicted = true
		}
	}
	if !mispredicted {
		return nil
	}
	all := make([]int, 0, len(touched))
	for p := range touched {
		all = append(all, p)
	}
	return &herrors.Misprediction{TxnID: t.ID(), Touched: all}
}

// Dispatch executes the batch and blocks until every output dependency is
// back, filling idle time with utility work. The undo token governs only
// the local fragments; remote partitions choose their own tokens.
func (d *Dispatcher) Dispatch(t *txn.Transaction, batch *Batch, undoToken, lastCommitted int64) (map[int32][]byte, error) {
	if err := d.checkPrediction(t, batch); err != nil {
		return nil, err
	}

	var local []wire.WorkFragment
	sameSite := make(map[int][]wire.WorkFragment)
	remote := make(map[int][]wire.WorkFragment)
	prefetched := make(map[int32][]byte)

	for _, frag := range batch.Fragments {
		p := int(frag.PartitionID)
		switch {
		case p == d.partition:
			local = append(local, frag)
		case d.topo.Peer(p) != nil:
			sameSite[p] = append(sameSite[p], frag)
		default:
			// Remote site: a cached prefetched result skips the send.
			if hit, ok := d.lookupPrefetch(t, frag, batch.Params); ok && len(frag.OutputDepIDs) == 1 {
				prefetched[frag.OutputDepIDs[0]] = hit
				continue
			}
			site := d.topo.SiteOf(p)
			if len(batch.Future) > 0 {
				frag.Future = d.stampFuture(batch)
			}
			remote[site] = append(remote[site], frag)
		}
	}

	units := len(sameSite) + len(remote)
	if len(local) > 0 {
		units++
	}
	col := newCollector(units)
	for id, data := range prefetched {
		col.results[id] = data
	}
	if units == 0 {
		return col.results, nil
	}

	for site, frags := range remote {
		req := &wire.WorkRequest{
			TxnID:           t.ID(),
			BasePartition:   int32(t.BasePartition()),
			SourcePartition: int32(d.partition),
			Procedure:       t.Procedure(),
			Fragments:       frags,
			Params:          batch.Params,
			InputDeps:       batch.InputDeps,
		}
		d.coord.TransactionWork(t, site, req, func(res *wire.WorkResult) {
			col.deliver(res.DepIDs, d.decodeAll(res.DepData), d.resultError(t, res))
		})
	}

	for p, frags := range sameSite {
		peer := d.topo.Peer(p)
		for i := range frags {
			frag := frags[i]
			last := i == len(frags)-1
			cb := func(res *wire.WorkResult) {
				err := d.resultError(t, res)
				if !last && err == nil {
					// Only the final fragment of this peer's set closes the
					// latch slot; earlier ones just record results.
					col.mu.Lock()
					for j, id := range res.DepIDs {
						if j < len(res.DepData) {
							col.results[id] = res.DepData[j]
						}
					}
					col.mu.Unlock()
					return
				}
				col.deliver(res.DepIDs, res.DepData, err)
			}
			peer.QueueWork(t, &frag, batch.Params, batch.InputDeps, cb)
		}
	}

	if len(local) > 0 {
		ids, data, err := d.executeLocal(t, local, batch, undoToken, lastCommitted)
		col.deliver(ids, data, err)
	}

	return d.await(t, col)
}

// executeLocal runs this partition's fragments inline on the engine.
func (d *Dispatcher) executeLocal(t *txn.Transaction, frags []wire.WorkFragment, batch *Batch, undoToken, lastCommitted int64) ([]int32, [][]byte, error) {
	work := &storage.FragmentWork{
		InputDeps:        batch.InputDeps,
		TxnID:            t.ID(),
		LastCommittedTxn: lastCommitted,
		UndoToken:        undoToken,
	}
	readOnly := true
	for _, frag := range frags {
		if !frag.ReadOnly {
			readOnly = false
		}
		work.FragmentIDs = append(work.FragmentIDs, frag.FragmentIDs...)
		for _, idx := range frag.ParamIndexes {
			if int(idx) < len(batch.Params) {
				work.Params = append(work.Params, batch.Params[idx])
			} else {
				work.Params = append(work.Params, nil)
			}
		}
		work.OutputDepIDs = append(work.OutputDepIDs, frag.OutputDepIDs...)
	}
	deps, err := d.engine.ExecutePlanFragments(work)
	if err != nil {
		return nil, nil, err
	}
	t.RecordRound(d.partition, undoToken, readOnly)
	return deps.IDs, deps.Data, nil
}

// await blocks on the latch, interleaving utility work, until all
// dependencies arrive or the response timeout expires.
func (d *Dispatcher) await(t *txn.Transaction, col *collector) (map[int32][]byte, error) {
	deadline := time.Now().Add(d.cfg.ResponseTimeout)
	for {
		select {
		case <-col.done:
			col.mu.Lock()
			defer col.mu.Unlock()
			if col.err != nil {
				return nil, col.err
			}
			return col.results, nil
		case <-time.After(d.cfg.PollInterval):
			if d.utility != nil {
				d.utility()
			}
			if time.Now().After(deadline) {
				return nil, herrors.NewFatal(d.partition,
					"txn %d dependency wait exceeded %v", t.ID(), d.cfg.ResponseTimeout)
			}
		}
	}
}

// stampFuture copies the batch's future-statement estimates with the
// parameter hash filled in for the receiver's integrity check.
func (d *Dispatcher) stampFuture(batch *Batch) []wire.StatementEstimate {
	ests := make([]wire.StatementEstimate, len(batch.Future))
	copy(ests, batch.Future)
	for i := range ests {
		ests[i].ParamsHash = ParamsHash(SelectParams(ests[i].ParamIndexes, batch.Params))
	}
	return ests
}

func (d *Dispatcher) lookupPrefetch(t *txn.Transaction, frag wire.WorkFragment, params [][]byte) ([]byte, bool) {
	if len(frag.FragmentIDs) != 1 {
		return nil, false
	}
	fragParams := SelectParams(frag.ParamIndexes, params)
	sig := FragmentSignature(frag.FragmentIDs[0], frag.PartitionID, fragParams)
	if res, ok := t.TakePrefetch(sig); ok {
		return res, true
	}
	if d.prefetch != nil {
		if res, ok := d.prefetch.Get(t.ID(), sig); ok {
			return res, true
		}
	}
	return nil, false
}

// decodeAll decompresses remote rowsets. A payload that does not decode is
// passed through untouched; no error is reported for it.
func (d *Dispatcher) decodeAll(data [][]byte) [][]byte {
	out := make([][]byte, len(data))
	for i, p := range data {
		dec, err := d.codec.Decode(p)
		if err != nil {
			out[i] = p
			continue
		}
		out[i] = dec
	}
	return out
}

// resultError maps a WorkResult status back to the error surfaced to the
// procedure.
func (d *Dispatcher) resultError(t *txn.Transaction, res *wire.WorkResult) error {
	switch res.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusMispredict:
		return &herrors.Misprediction{TxnID: t.ID(), Touched: []int{int(res.PartitionID)}}
	case wire.StatusFatal:
		return herrors.NewFatal(int(res.PartitionID), "remote fragment failed: %s", res.Error)
	default:
		return herrors.NewAbort(herrors.AbortUnexpected, t.ID(),
			"remote partition %d aborted: %s", res.PartitionID, res.Error)
	}
}

// MarkDonePartitions records the fragments' last-fragment declarations so a
// later dispatch to those partitions raises a misprediction.
func MarkDonePartitions(t *txn.Transaction, batch *Batch) {
	for i := range batch.Fragments {
		if batch.Fragments[i].LastFragment {
			t.MarkDone(int(batch.Fragments[i].PartitionID))
		}
	}
}
