package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"heronDB/dispatch"
	"heronDB/executor"
	"heronDB/txn"
	"heronDB/wire"
	"heronDB/workqueue"
)

// ExecutionCompleted implements executor.Coordinator: the base partition
// finished running a distributed transaction's procedure. Drive phase one
// (prepare) across the touched partitions on success, then the finish;
// aborts skip straight to finish.
func (s *Site) ExecutionCompleted(t *txn.Transaction, commit bool) {
	// The decision must reach every partition that held (or will release)
	// the lock: the predicted set plus anything actually touched plus the
	// base. Remote rounds are recorded on the remote handles, so the
	// prediction is the authoritative cross-site list.
	seen := map[int]bool{}
	var partitions []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			partitions = append(partitions, p)
		}
	}
	for _, p := range t.PredictedPartitions() {
		add(p)
	}
	for _, p := range t.TouchedPartitions() {
		add(p)
	}
	add(t.BasePartition())

	s.fabric.submit(func() {
		if commit {
			s.prepareAll(t, partitions)
		}
		s.finishAll(t, commit, partitions)
		for _, p := range partitions {
			if target := s.fabric.siteOf(p); target != nil && target != s {
				target.dropRemote(t.ID())
			}
		}
	})
}

// prepareAll sends Prepare to each partition and blocks until every one
// acknowledges. Runs on a pool goroutine, never on an executor task.
func (s *Site) prepareAll(t *txn.Transaction, partitions []int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	acked := make(map[int]bool, len(partitions))

	for _, p := range partitions {
		target := s.fabric.siteOf(p)
		e := target.executorFor(p)
		if e == nil {
			continue
		}
		tt := t
		if target != s {
			tt = target.remoteHandle(t.ID(), t.BasePartition(), t.Procedure(), t.Params())
		}
		wg.Add(1)
		e.Queue().Enqueue(workqueue.Message{
			Type: workqueue.MsgPrepare,
			Txn:  tt,
			AckCB: func(partition int) {
				mu.Lock()
				first := !acked[partition]
				acked[partition] = true
				mu.Unlock()
				if first {
					wg.Done()
				}
			},
		})
	}
	wg.Wait()
}

// finishAll sends the terminal decision to each partition and waits for
// the acknowledgements.
func (s *Site) finishAll(t *txn.Transaction, commit bool, partitions []int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	acked := make(map[int]bool, len(partitions))

	for _, p := range partitions {
		target := s.fabric.siteOf(p)
		e := target.executorFor(p)
		if e == nil {
			continue
		}
		tt := t
		if target != s {
			tt = target.remoteHandle(t.ID(), t.BasePartition(), t.Procedure(), t.Params())
		}
		wg.Add(1)
		e.Queue().Enqueue(workqueue.Message{
			Type:   workqueue.MsgFinish,
			Txn:    tt,
			Commit: commit,
			AckCB: func(partition int) {
				mu.Lock()
				first := !acked[partition]
				acked[partition] = true
				mu.Unlock()
				if first {
					wg.Done()
				}
			},
		})
	}
	wg.Wait()
}

// TransactionWork implements dispatch.Coordinator: ship a batched work
// request to another site and deliver the single result callback. The
// request is framed and unframed through the wire codec even in-process,
// so the cross-site path stays honest.
func (s *Site) TransactionWork(t *txn.Transaction, targetSite int, req *wire.WorkRequest, cb func(*wire.WorkResult)) {
	reqID := uuid.New()
	data := req.Marshal()
	s.fabric.submit(func() {
		s.fabric.mu.Lock()
		target := s.fabric.sites[targetSite]
		s.fabric.mu.Unlock()
		if target == nil {
			cb(&wire.WorkResult{TxnID: req.TxnID, Status: wire.StatusFatal,
				Error: []byte("unknown target site")})
			return
		}
		decoded, err := wire.UnmarshalWorkRequest(data)
		if err != nil {
			s.log.Error().Err(err).Str("request", reqID.String()).Msg("work request framing failed")
			cb(&wire.WorkResult{TxnID: req.TxnID, Status: wire.StatusFatal, Error: []byte(err.Error())})
			return
		}
		target.handleWorkRequest(decoded, cb)
	})
}

// handleWorkRequest fans a remote site's fragments out to this site's
// executors and aggregates one WorkResult. Rowsets are compressed with the
// site codec before they travel back.
func (s *Site) handleWorkRequest(req *wire.WorkRequest, cb func(*wire.WorkResult)) {
	t := s.remoteHandle(req.TxnID, int(req.BasePartition), req.Procedure, req.Params)

	agg := &workAggregator{
		res:     wire.WorkResult{TxnID: req.TxnID, Status: wire.StatusOK},
		pending: len(req.Fragments),
	}
	if agg.pending == 0 {
		cb(&agg.res)
		return
	}

	for i := range req.Fragments {
		frag := req.Fragments[i]
		e := s.executorFor(int(frag.PartitionID))
		if e == nil {
			s.deliverFragmentResult(agg, &wire.WorkResult{
				PartitionID: frag.PartitionID,
				TxnID:       req.TxnID,
				Status:      wire.StatusFatal,
				Error:       []byte("partition not on site"),
			}, cb)
			continue
		}
		// Future-statement estimates run speculatively ahead of the
		// demanded fragment; their results travel back through the
		// requesting site's coordinator.
		for _, est := range frag.Future {
			s.enqueuePrefetch(e, t, req, frag.PartitionID, est)
		}
		e.Queue().Enqueue(workqueue.Message{
			Type:       workqueue.MsgWorkFragment,
			Txn:        t,
			Fragment:   &frag,
			FragParams: req.Params,
			InputDeps:  req.InputDeps,
			ResultCB: func(res *wire.WorkResult) {
				s.deliverFragmentResult(agg, res, cb)
			},
		})
	}
}

// workAggregator folds per-fragment results into the one WorkResult sent
// back to the requesting site.
type workAggregator struct {
	mu      sync.Mutex
	res     wire.WorkResult
	pending int
}

func (s *Site) deliverFragmentResult(agg *workAggregator, res *wire.WorkResult, cb func(*wire.WorkResult)) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	if res.Status != wire.StatusOK && agg.res.Status == wire.StatusOK {
		agg.res.Status = res.Status
		agg.res.Error = res.Error
		agg.res.PartitionID = res.PartitionID
	}
	for i, id := range res.DepIDs {
		if i >= len(res.DepData) {
			break
		}
		enc, err := s.codec.Encode(res.DepData[i])
		if err != nil {
			if agg.res.Status == wire.StatusOK {
				agg.res.Status = wire.StatusFatal
				agg.res.Error = []byte(err.Error())
			}
			continue
		}
		agg.res.DepIDs = append(agg.res.DepIDs, id)
		agg.res.DepData = append(agg.res.DepData, enc)
	}
	agg.pending--
	if agg.pending == 0 {
		cb(&agg.res)
	}
}

// enqueuePrefetch turns one future-statement estimate into a speculative
// read on the executing partition. The result is pushed back to the
// requesting site before the demanded work's response, so the base
// dispatcher finds it in time.
func (s *Site) enqueuePrefetch(e *executor.Executor, t *txn.Transaction, req *wire.WorkRequest, partition int32, est wire.StatementEstimate) {
	fid, ok := executor.StatementFragment(est.Statement)
	if !ok {
		s.log.Debug().Str("stmt", est.Statement).Msg("future statement has no fragment")
		return
	}
	params := dispatch.SelectParams(est.ParamIndexes, req.Params)
	if est.ParamsHash != 0 && dispatch.ParamsHash(params) != est.ParamsHash {
		return
	}
	src := s.fabric.siteOf(int(req.SourcePartition))
	if src == nil {
		return
	}
	txnID := req.TxnID
	e.Queue().Enqueue(workqueue.Message{
		Type: workqueue.MsgWorkFragment,
		Txn:  t,
		Fragment: &wire.WorkFragment{
			PartitionID:  partition,
			FragmentIDs:  []int32{fid},
			ParamIndexes: est.ParamIndexes,
			OutputDepIDs: []int32{0},
			ReadOnly:     true,
			Prefetch:     true,
		},
		FragParams: req.Params,
		ResultCB: func(res *wire.WorkResult) {
			if res.Status != wire.StatusOK || len(res.DepData) == 0 {
				return
			}
			src.TransactionPrefetchResult(txnID, fid, partition, params, res.DepData[0])
		},
	})
}

// TransactionPrefetchResult stashes a speculatively produced remote result
// on the owning transaction so a later dispatch can skip the round trip.
// The owner is this site's local transaction when it is the base site, or
// the remote handle otherwise.
func (s *Site) TransactionPrefetchResult(remoteTxnID int64, fragmentID, partition int32, params [][]byte, result []byte) {
	s.mu.Lock()
	t, ok := s.locals[remoteTxnID]
	if !ok {
		t, ok = s.remotes[remoteTxnID]
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.StashPrefetch(dispatch.FragmentSignature(fragmentID, partition, params), result)
}
