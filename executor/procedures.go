package executor

import (
	"sync"

	"heronDB/dispatch"
	"heronDB/herrors"
	"heronDB/txn"
	"heronDB/undo"
)

// Procedure is one stored procedure: it issues statement batches through
// the context and returns nil to commit or an error to abort.
type Procedure func(ctx *ProcContext) error

// Registry maps procedure names to their implementations. Populated once
// at boot, read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Procedure
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Procedure)}
}

// Register installs a procedure.
func (r *Registry) Register(name string, p Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

// Lookup resolves a procedure by name.
func (r *Registry) Lookup(name string) (Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// ProcContext is the execution context handed to a procedure: it routes
// batches through the fragment dispatcher and accumulates results for the
// client response.
type ProcContext struct {
	exec        *Executor
	t           *txn.Transaction
	speculative bool
	results     map[int32][]byte
}

// Params returns the invocation's serialized parameters.
func (c *ProcContext) Params() [][]byte { return c.t.Params() }

// Partition returns the executing partition.
func (c *ProcContext) Partition() int { return c.exec.partition }

// Run dispatches one statement batch and blocks until every output
// dependency is back. The undo token for the round is chosen here, per the
// token discipline.
func (c *ProcContext) Run(batch *dispatch.Batch) (map[int32][]byte, error) {
	p := c.exec.partition
	round := undo.Round{
		Speculative:      c.speculative,
		ReadOnly:         batch.ReadOnly(),
		Prior:            c.t.LastUndo(p),
		MultiPartition:   !c.t.PredictedSinglePartition(),
		NoAbortRemainder: !c.exec.estimator.Abortable(c.t) && c.exec.estimator.ReadOnlyRemainder(c.t, p),
	}
	token := c.exec.undoMgr.TokenForRound(round)
	res, err := c.exec.dispatcher.Dispatch(c.t, batch, token, c.exec.lastCommittedTxnID)
	if err != nil {
		return nil, err
	}
	dispatch.MarkDonePartitions(c.t, batch)
	// A distributed transaction's first local write closes the read-only
	// window for speculative responses.
	if !c.speculative && !c.t.PredictedSinglePartition() &&
		!c.t.ReadOnlyAt(p) && c.exec.execMode == ModeCommitReadOnly {
		c.exec.execMode = ModeCommitNone
	}
	for id, data := range res {
		c.results[id] = data
	}
	return res, nil
}

// Abort rolls the transaction back voluntarily.
func (c *ProcContext) Abort(format string, args ...interface{}) error {
	return herrors.NewAbort(herrors.AbortUser, c.t.ID(), format, args...)
}

// Results returns every dependency accumulated so far.
func (c *ProcContext) Results() map[int32][]byte { return c.results }
