// Package executor implements the partition executor: one single-threaded
// task owning one partition's data, work queue, lock queue, undo counters,
// and speculative-execution state. All per-partition fields are touched
// only by the owning task; cross-partition communication happens through
// the work queue.
package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"heronDB/dispatch"
	"heronDB/herrors"
	"heronDB/lockqueue"
	"heronDB/monitoring"
	"heronDB/scheduler"
	"heronDB/storage"
	"heronDB/txn"
	"heronDB/undo"
	"heronDB/wire"
	"heronDB/workqueue"
)

// Coordinator is the per-site coordination surface the executor consumes.
type Coordinator interface {
	// ExecutionCompleted reports that the base partition finished running a
	// distributed transaction's procedure; the coordinator drives
	// prepare/finish across the touched partitions.
	ExecutionCompleted(t *txn.Transaction, commit bool)
	// Restart re-queues a mispredicted or speculatively aborted
	// transaction.
	Restart(t *txn.Transaction)
	// InitializeTransaction turns a raw client invocation into a queued
	// transaction.
	InitializeTransaction(raw *workqueue.InitializeRequest) (*txn.Transaction, error)
	// Respond delivers the one-shot client response for t.
	Respond(t *txn.Transaction, resp *workqueue.ClientResponse)
	// CrashCluster is the fatal-fault escape hatch.
	CrashCluster(err error)
}

// Config tunes one executor.
type Config struct {
	PollTimeout        time.Duration
	TickInterval       time.Duration
	SpeculationEnabled bool
}

// Deps bundles the executor's collaborators.
type Deps struct {
	Engine     storage.Engine
	Locks      lockqueue.Manager
	Queue      *workqueue.Queue
	UndoMgr    *undo.Manager
	Scheduler  *scheduler.Scheduler
	Estimator  scheduler.Estimator
	Dispatcher *dispatch.Dispatcher
	Coord      Coordinator
	Procs      *Registry
	Metrics    *monitoring.ExecutorMetrics
	Log        zerolog.Logger
}

type specEntry struct {
	t    *txn.Transaction
	resp *workqueue.ClientResponse
}

type deferredQuery struct {
	stmt   string
	params [][]byte
}

// Executor drives all work on one partition.
type Executor struct {
	partition int
	site      int
	cfg       Config

	engine     storage.Engine
	locks      lockqueue.Manager
	queue      *workqueue.Queue
	undoMgr    *undo.Manager
	sched      *scheduler.Scheduler
	estimator  scheduler.Estimator
	dispatcher *dispatch.Dispatcher
	coord      Coordinator
	procs      *Registry
	metrics    *monitoring.ExecutorMetrics
	log        zerolog.Logger

	currentDtxn *txn.Transaction
	execMode    ExecMode
	// blocked holds messages that must wait for the current dtxn: work for
	// a second dtxn, and client work while speculation is disabled. FIFO.
	blocked []workqueue.Message
	// specBlocked holds speculative transactions whose responses are gated
	// on the dtxn's outcome, in dispatch order. The abort cascade walks it
	// back to front.
	specBlocked  []specEntry
	specModified bool
	// dtxnResults parks a distributed transaction's accumulated output
	// until its finish releases the client response.
	dtxnResults map[int64]map[int32][]byte
	deferred    []deferredQuery

	lastExecutedTxnID  int64
	lastCommittedTxnID int64
	lastTick           time.Time

	halt     atomic.Bool
	shutdown atomic.Bool
}

// New wires an executor for one partition.
func New(partition, site int, cfg Config, deps Deps) *Executor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Microsecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	e := &Executor{
		partition:   partition,
		site:        site,
		cfg:         cfg,
		engine:      deps.Engine,
		locks:       deps.Locks,
		queue:       deps.Queue,
		undoMgr:     deps.UndoMgr,
		sched:       deps.Scheduler,
		estimator:   deps.Estimator,
		dispatcher:  deps.Dispatcher,
		coord:       deps.Coord,
		procs:       deps.Procs,
		metrics:     deps.Metrics,
		log:         deps.Log,
		execMode:    ModeCommitAll,
		dtxnResults: make(map[int64]map[int32][]byte),
		lastTick:    time.Now(),
	}
	if e.estimator == nil {
		e.estimator = scheduler.NewStaticEstimator()
	}
	if e.sched == nil {
		e.sched = scheduler.New(partition, scheduler.DefaultConfig(), nil, e.estimator, nil)
	}
	if e.metrics == nil {
		e.metrics = &monitoring.ExecutorMetrics{}
	}
	if e.dispatcher != nil {
		e.dispatcher.SetUtilityWork(e.utilityWork)
	}
	return e
}

// Partition returns the owned partition id.
func (e *Executor) Partition() int { return e.partition }

// Queue returns the partition's work queue; peers and the coordinator
// enqueue through it.
func (e *Executor) Queue() *workqueue.Queue { return e.queue }

// Mode returns the current execution mode. Test and stats helper; the
// value is stale the moment it is read from another task.
func (e *Executor) Mode() ExecMode { return e.execMode }

// CurrentDtxn returns the installed distributed transaction, if any.
func (e *Executor) CurrentDtxn() *txn.Transaction { return e.currentDtxn }

// LastCommittedTxnID returns the id of the last committed transaction.
func (e *Executor) LastCommittedTxnID() int64 { return e.lastCommittedTxnID }

// SpecBlockedLen reports the depth of the gated-response buffer.
func (e *Executor) SpecBlockedLen() int { return len(e.specBlocked) }

// Metrics returns the executor's counters.
func (e *Executor) Metrics() *monitoring.ExecutorMetrics { return e.metrics }

// Halt puts the partition into DISABLED_REJECT on the next loop iteration.
func (e *Executor) Halt() { e.halt.Store(true) }

// Shutdown stops the run loop.
func (e *Executor) Shutdown() { e.shutdown.Store(true) }

// Run drives the executor until shutdown or context cancellation. It owns
// the calling goroutine.
func (e *Executor) Run(ctx context.Context) {
	e.log.Info().Msg("partition executor started")
	for {
		if ctx.Err() != nil || e.shutdown.Load() {
			e.log.Info().Msg("partition executor stopped")
			return
		}
		e.Step()
	}
}

// Step runs one loop iteration: apply pending halt, pull released work
// from the lock queue, process one message, and fill idle time with
// utility work. Exposed so tests can drive the loop deterministically.
func (e *Executor) Step() {
	if e.halt.CompareAndSwap(true, false) {
		e.execMode = ModeDisabledReject
		e.log.Warn().Msg("partition halted")
	}

	if e.currentDtxn == nil && e.execMode != ModeDisabled {
		if t := e.locks.CheckLockQueue(e.partition); t != nil {
			if t.FinishedAt(e.partition) {
				// Raced with an early prepare/finish; nothing left to run.
			} else if t.PredictedSinglePartition() {
				// Fast path: run it through the work queue like any other
				// start message.
				e.queue.Enqueue(workqueue.Message{Type: workqueue.MsgStartTxn, Txn: t})
			} else {
				e.installDtxn(t)
			}
		}
	}

	msg, ok := e.queue.Poll(e.cfg.PollTimeout)
	if ok {
		if err := e.dispatchMessage(msg); err != nil {
			e.fatal(err)
			return
		}
		if msg.Txn != nil {
			e.lastExecutedTxnID = msg.Txn.ID()
		}
	} else if e.cfg.SpeculationEnabled {
		e.utilityWork()
	}

	if now := time.Now(); now.Sub(e.lastTick) >= e.cfg.TickInterval {
		e.engine.Tick(now, e.lastCommittedTxnID)
		e.metrics.Ticks.Add(1)
		e.lastTick = now
		// Queue the tick's maintenance behind whatever work is in flight.
		// TryEnqueue: a full queue means the partition is busy and the next
		// tick will try again.
		e.queue.TryEnqueue(workqueue.Message{Type: workqueue.MsgUpdateMemory})
		e.queue.TryEnqueue(workqueue.Message{Type: workqueue.MsgSnapshotWork})
	}
}

// fatal logs full partition state, raises the shutdown flag, and asks the
// coordinator to crash the cluster.
func (e *Executor) fatal(err error) {
	ev := e.log.Error().Err(err).
		Str("exec_mode", e.execMode.String()).
		Int("blocked_messages", len(e.blocked)).
		Int("spec_blocked", len(e.specBlocked)).
		Bool("spec_modified", e.specModified).
		Int64("last_committed_txn", e.lastCommittedTxnID).
		Int64("last_undo", e.undoMgr.Last()).
		Int64("last_committed_undo", e.undoMgr.LastCommitted())
	if e.currentDtxn != nil {
		ev = ev.Int64("current_dtxn", e.currentDtxn.ID())
	}
	ev.Msg("fatal fault, shutting down")
	e.shutdown.Store(true)
	e.coord.CrashCluster(err)
}

func (e *Executor) dispatchMessage(msg workqueue.Message) error {
	// While speculation is disabled after a speculative abort, client work
	// queues behind the dtxn; coordination traffic still flows.
	if e.execMode == ModeDisabled {
		switch msg.Type {
		case workqueue.MsgStartTxn, workqueue.MsgInitializeRequest,
			workqueue.MsgInitializeTxn, workqueue.MsgDeferredQuery:
			e.blockMessage(msg)
			return nil
		}
	}

	switch msg.Type {
	case workqueue.MsgInitializeRequest:
		e.handleInitialize(msg.Raw)
	case workqueue.MsgInitializeTxn:
		e.locks.Insert(msg.Txn, e.partition, nil)
	case workqueue.MsgStartTxn:
		rejecting := e.execMode == ModeDisabledReject && !msg.Txn.IsSysProc()
		if !rejecting && e.currentDtxn != nil && e.currentDtxn != msg.Txn {
			// A non-speculative start cannot run under an active dtxn:
			// committing it would release the dtxn's undo tokens. It waits
			// with the other blocked work until the dtxn finishes.
			e.blockMessage(msg)
			return nil
		}
		e.handleStart(msg.Txn, false)
	case workqueue.MsgSetDistributedTxn:
		if !e.installDtxn(msg.Txn) {
			e.blockMessage(msg)
		}
	case workqueue.MsgWorkFragment:
		return e.handleWorkFragment(msg)
	case workqueue.MsgPrepare:
		e.handlePrepare(msg)
	case workqueue.MsgFinish:
		return e.handleFinish(msg)
	case workqueue.MsgDeferredQuery:
		e.deferred = append(e.deferred, deferredQuery{stmt: msg.Stmt, params: msg.StmtParams})
	case workqueue.MsgUtilityWork:
		e.utilityWork()
	case workqueue.MsgUpdateMemory:
		e.updateMemory()
	case workqueue.MsgSnapshotWork, workqueue.MsgTableStatsRequest:
		e.handleStats(msg)
	default:
		e.log.Warn().Str("type", msg.Type.String()).Msg("unknown work message")
	}
	return nil
}

func (e *Executor) blockMessage(msg workqueue.Message) {
	e.blocked = append(e.blocked, msg)
	e.metrics.ObserveBlocked(len(e.blocked))
}

// installDtxn makes t the partition's current distributed transaction.
// Returns false when another dtxn already holds the partition.
func (e *Executor) installDtxn(t *txn.Transaction) bool {
	if e.currentDtxn != nil {
		return e.currentDtxn == t
	}
	e.currentDtxn = t
	t.SetStatus(e.partition, txn.StatusRunning)
	if e.execMode == ModeCommitAll {
		e.execMode = ModeCommitReadOnly
	}
	e.sched.Invalidate()
	if !t.IsRemote() && t.BasePartition() == e.partition {
		e.queue.Enqueue(workqueue.Message{Type: workqueue.MsgStartTxn, Txn: t})
	}
	return true
}

func (e *Executor) handleInitialize(raw *workqueue.InitializeRequest) {
	if raw == nil {
		return
	}
	if e.execMode == ModeDisabledReject && !raw.SysProc {
		e.metrics.Rejected.Add(1)
		if raw.ClientCB != nil {
			raw.ClientCB(&workqueue.ClientResponse{
				OK:   false,
				Kind: herrors.AbortReject,
				Err:  "partition is halted",
			})
		}
		return
	}
	if _, err := e.coord.InitializeTransaction(raw); err != nil {
		e.log.Error().Err(err).Str("procedure", raw.Procedure).Msg("initialize failed")
		if raw.ClientCB != nil {
			raw.ClientCB(&workqueue.ClientResponse{
				OK:   false,
				Kind: herrors.AbortUnexpected,
				Err:  err.Error(),
			})
		}
	}
}

// handleStart executes a transaction's procedure on this partition.
func (e *Executor) handleStart(t *txn.Transaction, speculative bool) {
	p := e.partition
	if t.FinishedAt(p) {
		return
	}
	if e.execMode == ModeDisabledReject && !t.IsSysProc() {
		e.metrics.Rejected.Add(1)
		t.MarkFinished(p, false)
		e.locks.Finished(t, false, p)
		e.coord.Respond(t, &workqueue.ClientResponse{
			TxnID: t.ID(),
			OK:    false,
			Kind:  herrors.AbortReject,
			Err:   "partition is halted",
		})
		return
	}

	t.SetStatus(p, txn.StatusRunning)
	e.metrics.Executed.Add(1)
	if speculative {
		e.metrics.Speculative.Add(1)
	}

	ctx := &ProcContext{exec: e, t: t, speculative: speculative, results: make(map[int32][]byte)}
	proc, ok := e.procs.Lookup(t.Procedure())
	var err error
	if !ok {
		err = herrors.NewAbort(herrors.AbortUnexpected, t.ID(), "unknown procedure %q", t.Procedure())
	} else {
		err = proc(ctx)
	}

	if !t.PredictedSinglePartition() {
		// Distributed transaction: the coordinator drives prepare/finish
		// across the touched partitions; the client response waits for the
		// finish at this, the base, partition.
		e.dtxnResults[t.ID()] = ctx.results
		if err != nil {
			t.SetPendingError(err)
		}
		e.coord.ExecutionCompleted(t, err == nil)
		return
	}

	if err == nil {
		e.commitSinglePartition(t, ctx.results, speculative)
	} else {
		e.abortSinglePartition(t, err, speculative)
	}
}

// commitSinglePartition finishes a successful single-partition execution,
// deciding whether the response can be released now (§4.2 gating).
func (e *Executor) commitSinglePartition(t *txn.Transaction, results map[int32][]byte, speculative bool) {
	p := e.partition
	resp := &workqueue.ClientResponse{
		TxnID:       t.ID(),
		OK:          true,
		Results:     results,
		Speculative: speculative,
	}

	if !speculative {
		token := t.LastUndo(p)
		if token != undo.NullToken {
			if err := e.engine.ReleaseUndoToken(token); err != nil {
				e.fatal(err)
				return
			}
			if err := e.undoMgr.Commit(token); err != nil {
				e.fatal(err)
				return
			}
		}
		e.lastCommittedTxnID = max(e.lastCommittedTxnID, t.ID())
		t.MarkFinished(p, true)
		e.metrics.Committed.Add(1)
		e.locks.Finished(t, true, p)
		e.coord.Respond(t, resp)
		return
	}

	if !t.ReadOnlyAt(p) {
		e.specModified = true
	}

	release := false
	switch e.execMode {
	case ModeCommitReadOnly:
		release = t.ReadOnlyAt(p)
	case ModeCommitNonConflicting:
		release = true
	}
	if release {
		// The response goes out now; the undo token commits with the
		// dtxn's batch at finish.
		t.MarkFinished(p, true)
		e.metrics.SpecCommitted.Add(1)
		e.locks.Finished(t, true, p)
		e.coord.Respond(t, resp)
		return
	}
	e.specBlocked = append(e.specBlocked, specEntry{t: t, resp: resp})
}

// abortSinglePartition rolls back a failed single-partition execution and
// routes it by abort kind.
func (e *Executor) abortSinglePartition(t *txn.Transaction, err error, speculative bool) {
	p := e.partition
	kind := herrors.KindOf(err)
	wrote := !t.ReadOnlyAt(p)

	if first := t.FirstUndo(p); first != undo.NullToken {
		if uerr := e.engine.UndoUndoToken(first); uerr != nil {
			e.fatal(uerr)
			return
		}
		if uerr := e.undoMgr.Abort(first); uerr != nil {
			e.fatal(uerr)
			return
		}
	}
	e.metrics.Aborted.Add(1)

	if speculative && wrote {
		// A speculative abort that wrote invalidates the window: later
		// speculative tokens were layered on the one just rolled back.
		// Halt speculation and queue new client work until the dtxn
		// resolves.
		e.execMode = ModeDisabled
		e.sched.Invalidate()
	}

	if kind == herrors.AbortMispredict {
		e.metrics.Mispredicted.Add(1)
		touched := t.TouchedPartitions()
		if mp, ok := herrors.AsMisprediction(err); ok {
			touched = mp.Touched
		}
		t.ResetForRestart()
		t.ExpandPrediction(touched)
		t.Restarted()
		e.locks.Finished(t, false, p)
		e.coord.Restart(t)
		return
	}

	t.MarkFinished(p, false)
	e.locks.Finished(t, false, p)
	e.coord.Respond(t, &workqueue.ClientResponse{
		TxnID:       t.ID(),
		OK:          false,
		Kind:        kind,
		Err:         err.Error(),
		Speculative: speculative,
	})
}

// handleWorkFragment executes one fragment batch for a distributed
// transaction at this partition.
func (e *Executor) handleWorkFragment(msg workqueue.Message) error {
	t := msg.Txn
	p := e.partition
	if t.FinishedAt(p) {
		return nil
	}
	if msg.Fragment.Prefetch {
		// Speculative read ahead of demand: runs unlogged and leaves no
		// trace on the transaction's per-partition state.
		if e.currentDtxn != nil && e.currentDtxn != t {
			e.blockMessage(msg)
			return nil
		}
		return e.executePrefetch(msg)
	}
	if e.currentDtxn == nil {
		e.installDtxn(t)
	}
	if e.currentDtxn != t {
		e.blockMessage(msg)
		return nil
	}

	frag := msg.Fragment
	round := undo.Round{
		ReadOnly:       frag.ReadOnly,
		Prior:          t.LastUndo(p),
		MultiPartition: true,
	}
	token := e.undoMgr.TokenForRound(round)

	work := &storage.FragmentWork{
		FragmentIDs:      frag.FragmentIDs,
		InputDeps:        msg.InputDeps,
		OutputDepIDs:     frag.OutputDepIDs,
		TxnID:            t.ID(),
		LastCommittedTxn: e.lastCommittedTxnID,
		UndoToken:        token,
	}
	for _, idx := range frag.ParamIndexes {
		if int(idx) < len(msg.FragParams) {
			work.Params = append(work.Params, msg.FragParams[idx])
		} else {
			work.Params = append(work.Params, nil)
		}
	}

	deps, err := e.engine.ExecutePlanFragments(work)
	if err != nil {
		if herrors.IsFatal(err) {
			return err
		}
		if msg.ResultCB != nil {
			msg.ResultCB(&wire.WorkResult{
				PartitionID: int32(p),
				TxnID:       t.ID(),
				Status:      wire.StatusAbort,
				Error:       []byte(err.Error()),
			})
		}
		return nil
	}

	t.RecordRound(p, token, frag.ReadOnly)
	if !t.ReadOnlyAt(p) && e.execMode == ModeCommitReadOnly {
		e.execMode = ModeCommitNone
	}
	if frag.LastFragment {
		t.MarkDone(p)
	}
	if msg.ResultCB != nil {
		msg.ResultCB(&wire.WorkResult{
			PartitionID: int32(p),
			TxnID:       t.ID(),
			Status:      wire.StatusOK,
			DepIDs:      deps.IDs,
			DepData:     deps.Data,
		})
	}
	return nil
}

// executePrefetch runs a future-statement fragment speculatively: no undo
// token, no round recording, no mode transitions. Failures are advisory;
// the demanded execution will follow the normal path.
func (e *Executor) executePrefetch(msg workqueue.Message) error {
	t := msg.Txn
	frag := msg.Fragment
	work := &storage.FragmentWork{
		FragmentIDs:      frag.FragmentIDs,
		InputDeps:        msg.InputDeps,
		OutputDepIDs:     frag.OutputDepIDs,
		TxnID:            t.ID(),
		LastCommittedTxn: e.lastCommittedTxnID,
		UndoToken:        undo.DisableToken,
	}
	for _, idx := range frag.ParamIndexes {
		if int(idx) < len(msg.FragParams) {
			work.Params = append(work.Params, msg.FragParams[idx])
		} else {
			work.Params = append(work.Params, nil)
		}
	}
	deps, err := e.engine.ExecutePlanFragments(work)
	if err != nil {
		if herrors.IsFatal(err) {
			return err
		}
		e.log.Debug().Err(err).Int64("txn", t.ID()).Msg("prefetch fragment failed")
		if msg.ResultCB != nil {
			msg.ResultCB(&wire.WorkResult{
				PartitionID: int32(e.partition),
				TxnID:       t.ID(),
				Status:      wire.StatusAbort,
				Error:       []byte(err.Error()),
			})
		}
		return nil
	}
	if msg.ResultCB != nil {
		msg.ResultCB(&wire.WorkResult{
			PartitionID: int32(e.partition),
			TxnID:       t.ID(),
			Status:      wire.StatusOK,
			DepIDs:      deps.IDs,
			DepData:     deps.Data,
		})
	}
	return nil
}

// handlePrepare is phase one of 2PC at this partition. A prepare for a
// transaction the partition has not installed yet claims the partition
// now: the lock-queue ordering guarantees the transaction holds the lock
// here by the time its base site sends prepare.
func (e *Executor) handlePrepare(msg workqueue.Message) {
	t := msg.Txn
	p := e.partition
	if e.currentDtxn == nil && !t.FinishedAt(p) && !t.PredictedSinglePartition() {
		e.locks.Queue(p).Remove(t.ID())
		e.installDtxn(t)
	}
	if t.MarkPrepared(p) && e.currentDtxn == t {
		if t.ReadOnlyAt(p) {
			e.execMode = ModeCommitReadOnly
		} else {
			e.execMode = ModeCommitNone
		}
		e.sched.Invalidate()
	}
	if msg.AckCB != nil {
		msg.AckCB(p)
	}
}

// updateMemory refreshes the partition's memory accounting from the
// engine's table stats.
func (e *Executor) updateMemory() {
	stats, err := e.engine.GetStats("TABLE", nil, time.Now())
	if err != nil {
		e.log.Warn().Err(err).Msg("memory accounting failed")
		return
	}
	var rows, bytes int64
	for _, s := range stats {
		rows += s.Rows
		bytes += s.Bytes
	}
	e.metrics.TableRows.Store(rows)
	e.metrics.TableBytes.Store(bytes)
}

// handleStats serves snapshot and table-stats maintenance from the engine.
func (e *Executor) handleStats(msg workqueue.Message) {
	stats, err := e.engine.GetStats("TABLE", nil, time.Now())
	if err != nil {
		e.log.Warn().Err(err).Msg("stats collection failed")
		return
	}
	e.log.Debug().Int("tables", len(stats)).Msg("stats collected")
	if msg.ClientCB != nil {
		results := make(map[int32][]byte, len(stats))
		for i, s := range stats {
			results[int32(i)] = []byte(s.Table)
		}
		msg.ClientCB(&workqueue.ClientResponse{OK: true, Results: results})
	}
}

// utilityWork fills executor idle time: speculative candidates first, then
// deferred queries.
func (e *Executor) utilityWork() {
	e.metrics.UtilityWorkRounds.Add(1)

	if e.currentDtxn != nil && e.cfg.SpeculationEnabled &&
		e.execMode != ModeDisabled && e.execMode != ModeDisabledReject {
		cand := e.sched.Next(e.currentDtxn, e.locks.Queue(e.partition), func(c *txn.Transaction) {
			e.locks.Release(c, e.partition)
		})
		if cand != nil {
			e.handleStart(cand, true)
			return
		}
	}

	if len(e.deferred) > 0 && e.currentDtxn == nil {
		q := e.deferred[0]
		e.deferred = e.deferred[1:]
		e.runDeferred(q)
	}
}

// statementFragments maps statement names to the plan fragments that serve
// them, for deferred queries and future-statement prefetch. Registered once
// at boot alongside the procedures, read-only afterwards.
var statementFragments = map[string]int32{}

// RegisterStatement binds a statement name to the plan fragment that serves
// it.
func RegisterStatement(stmt string, fragmentID int32) {
	statementFragments[stmt] = fragmentID
}

// StatementFragment resolves a statement name to its plan fragment.
func StatementFragment(stmt string) (int32, bool) {
	fid, ok := statementFragments[stmt]
	return fid, ok
}

func (e *Executor) runDeferred(q deferredQuery) {
	fid, ok := StatementFragment(q.stmt)
	if !ok {
		e.log.Warn().Str("stmt", q.stmt).Msg("deferred statement has no fragment")
		return
	}
	var params []byte
	if len(q.params) > 0 {
		params = q.params[0]
	}
	_, err := e.engine.ExecutePlanFragments(&storage.FragmentWork{
		FragmentIDs:      []int32{fid},
		Params:           [][]byte{params},
		OutputDepIDs:     []int32{0},
		LastCommittedTxn: e.lastCommittedTxnID,
		UndoToken:        undo.DisableToken,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("stmt", q.stmt).Msg("deferred query failed")
	}
}
