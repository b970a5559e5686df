// Package txn holds the transaction model shared by the partition executor,
// the lock queue, and the fragment dispatcher.
//
// A transaction is owned by its base partition's executor for scheduling.
// Remote partitions work against a lightweight remote handle that borrows
// the id and parameters. Per-partition state is guarded by the transaction's
// mutex because prepare and finish arrive from peer executor tasks.
package txn

import (
	"sync"

	"heronDB/undo"
)

// PartitionWork tracks what a transaction has done at one partition.
type PartitionWork struct {
	Status       Status
	ExecutedWork bool
	// ReadOnly stays true while every round at this partition was read-only.
	ReadOnly  bool
	FirstUndo int64
	LastUndo  int64
	Prepared  bool
	Finished  bool
	// Done means the transaction declared it will send no more work here.
	Done bool
}

// Transaction is the executor-side handle for one stored-procedure
// invocation.
type Transaction struct {
	id            int64
	basePartition int
	procedure     string
	params        [][]byte
	sysProc       bool
	remote        bool

	mu          sync.RWMutex
	predicted   map[int]struct{}
	predictedSP bool
	predictedRO bool
	work        map[int]*PartitionWork
	specType    SpeculationType
	pendingErr  error
	restarts    int
	prefetch    map[uint64][]byte
}

// NewLocal creates a transaction owned by this site.
func NewLocal(id int64, basePartition int, procedure string, params [][]byte, predicted []int, singlePartition, readOnly bool) *Transaction {
	t := &Transaction{
		id:            id,
		basePartition: basePartition,
		procedure:     procedure,
		params:        params,
		predicted:     make(map[int]struct{}, len(predicted)),
		predictedSP:   singlePartition,
		predictedRO:   readOnly,
		work:          make(map[int]*PartitionWork),
	}
	for _, p := range predicted {
		t.predicted[p] = struct{}{}
	}
	return t
}

// NewRemote creates the lightweight handle a partition keeps for a
// transaction based at another site. It borrows the id and parameters; the
// base site owns scheduling.
func NewRemote(id int64, basePartition int, procedure string, params [][]byte) *Transaction {
	t := NewLocal(id, basePartition, procedure, params, nil, false, false)
	t.remote = true
	return t
}

func (t *Transaction) ID() int64          { return t.id }
func (t *Transaction) BasePartition() int { return t.basePartition }
func (t *Transaction) Procedure() string  { return t.procedure }
func (t *Transaction) Params() [][]byte   { return t.params }
func (t *Transaction) IsRemote() bool     { return t.remote }
func (t *Transaction) IsSysProc() bool    { return t.sysProc }

// MarkSysProc flags the transaction as a system procedure, exempt from halt
// rejection.
func (t *Transaction) MarkSysProc() *Transaction {
	t.sysProc = true
	return t
}

// PredictedSinglePartition reports the planner's single-partition bet.
func (t *Transaction) PredictedSinglePartition() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.predictedSP
}

// PredictedReadOnly reports the planner's read-only bet.
func (t *Transaction) PredictedReadOnly() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.predictedRO
}

// PredictedPartitions returns a copy of the predicted partition set.
func (t *Transaction) PredictedPartitions() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.predicted))
	for p := range t.predicted {
		out = append(out, p)
	}
	return out
}

// Predicted reports whether partition p is in the predicted set.
func (t *Transaction) Predicted(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.predicted[p]
	return ok
}

// ExpandPrediction widens the predicted set and drops the single-partition
// bet. Used when a misprediction restarts the transaction as
// multi-partition.
func (t *Transaction) ExpandPrediction(partitions []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range partitions {
		t.predicted[p] = struct{}{}
	}
	t.predictedSP = false
}

// MarkSpeculative records the speculation window this transaction was
// dispatched in.
func (t *Transaction) MarkSpeculative(s SpeculationType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.specType = s
}

// SpecType returns the speculation window, SpecNone for non-speculative
// work.
func (t *Transaction) SpecType() SpeculationType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.specType
}

// IsSpeculative reports whether the transaction was dispatched
// speculatively.
func (t *Transaction) IsSpeculative() bool {
	return t.SpecType() != SpecNone
}

// workAt returns the per-partition record, creating it under the lock.
func (t *Transaction) workAt(p int) *PartitionWork {
	w, ok := t.work[p]
	if !ok {
		w = &PartitionWork{
			Status:    StatusQueued,
			ReadOnly:  true,
			FirstUndo: undo.NullToken,
			LastUndo:  undo.NullToken,
		}
		t.work[p] = w
	}
	return w
}

// SetStatus moves the transaction's per-partition lifecycle forward.
func (t *Transaction) SetStatus(p int, s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workAt(p).Status = s
}

// StatusAt returns the lifecycle state at partition p.
func (t *Transaction) StatusAt(p int) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.Status
	}
	return StatusQueued
}

// RecordRound notes one execution round at partition p: the undo token it
// ran under and whether it wrote. Undo sentinels never become first/last
// tokens.
func (t *Transaction) RecordRound(p int, token int64, readOnly bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workAt(p)
	w.ExecutedWork = true
	if !readOnly {
		w.ReadOnly = false
	}
	if token != undo.NullToken && token != undo.DisableToken {
		if w.FirstUndo == undo.NullToken {
			w.FirstUndo = token
		}
		w.LastUndo = token
	}
}

// ExecutedAt reports whether the transaction has run any round at p.
func (t *Transaction) ExecutedAt(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.ExecutedWork
	}
	return false
}

// ReadOnlyAt reports whether every round at p was read-only. A partition
// the transaction never touched counts as read-only.
func (t *Transaction) ReadOnlyAt(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.ReadOnly
	}
	return true
}

// FirstUndo returns the first undo token used at p, NullToken when the
// transaction did no engine work there.
func (t *Transaction) FirstUndo(p int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.FirstUndo
	}
	return undo.NullToken
}

// LastUndo returns the most recent undo token used at p.
func (t *Transaction) LastUndo(p int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.LastUndo
	}
	return undo.NullToken
}

// MarkPrepared sets the prepared bit at p. The first call returns true;
// repeats are no-ops so the 2PC prepare callback stays idempotent.
func (t *Transaction) MarkPrepared(p int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workAt(p)
	if w.Prepared {
		return false
	}
	w.Prepared = true
	w.Status = StatusPrepared
	return true
}

// PreparedAt reports whether p has voted prepare.
func (t *Transaction) PreparedAt(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.Prepared
	}
	return false
}

// MarkFinished records the terminal state at p. Once set, no further work
// for this transaction is accepted there.
func (t *Transaction) MarkFinished(p int, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workAt(p)
	w.Finished = true
	if committed {
		w.Status = StatusCommitted
	} else {
		w.Status = StatusAborted
	}
}

// FinishedAt reports whether p has seen the terminal message.
func (t *Transaction) FinishedAt(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.Finished
	}
	return false
}

// MarkDone declares that the transaction will send no more work to p.
// Dispatching to a done partition afterwards is a misprediction.
func (t *Transaction) MarkDone(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workAt(p).Done = true
}

// DoneAt reports the done declaration for p.
func (t *Transaction) DoneAt(p int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.work[p]; ok {
		return w.Done
	}
	return false
}

// TouchedPartitions lists partitions with any recorded work.
func (t *Transaction) TouchedPartitions() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.work))
	for p, w := range t.work {
		if w.ExecutedWork {
			out = append(out, p)
		}
	}
	return out
}

// SetPendingError stashes an error to be delivered with the response.
func (t *Transaction) SetPendingError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingErr == nil {
		t.pendingErr = err
	}
}

// PendingError returns the stashed error, if any.
func (t *Transaction) PendingError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingErr
}

// ClearPendingError resets the stashed error for a restart.
func (t *Transaction) ClearPendingError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingErr = nil
}

// Restarted increments and returns the restart counter.
func (t *Transaction) Restarted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return t.restarts
}

// Restarts returns how many times the transaction was re-queued.
func (t *Transaction) Restarts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.restarts
}

// StashPrefetch caches a prefetched fragment result under its signature.
func (t *Transaction) StashPrefetch(signature uint64, result []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prefetch == nil {
		t.prefetch = make(map[uint64][]byte)
	}
	t.prefetch[signature] = result
}

// TakePrefetch removes and returns the cached result for signature.
func (t *Transaction) TakePrefetch(signature uint64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.prefetch[signature]
	if ok {
		delete(t.prefetch, signature)
	}
	return res, ok
}

// ResetForRestart clears per-attempt state so the transaction can be
// re-queued after a misprediction or speculative abort. Predictions survive
// (widened by ExpandPrediction); per-partition work does not.
func (t *Transaction) ResetForRestart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.work = make(map[int]*PartitionWork)
	t.specType = SpecNone
	t.pendingErr = nil
	t.prefetch = nil
}
