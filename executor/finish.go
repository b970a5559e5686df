package executor

import (
	"heronDB/herrors"
	"heronDB/txn"
	"heronDB/undo"
	"heronDB/workqueue"
)

// handleFinish processes the terminal message of a distributed transaction
// at this partition, including the cascading commit/abort of speculative
// work layered on top of it.
func (e *Executor) handleFinish(msg workqueue.Message) error {
	t := msg.Txn
	p := e.partition

	if e.currentDtxn != t {
		// The transaction never held this partition's lock locally; the
		// decision must be an abort (a commit would require the lock).
		// Hand it to the lock-queue manager for bookkeeping.
		if msg.Commit {
			return herrors.NewFatal(p, "finish(commit) for txn %d which is not the current dtxn", t.ID())
		}
		t.MarkFinished(p, false)
		e.locks.Finished(t, false, p)
		if msg.AckCB != nil {
			msg.AckCB(p)
		}
		return nil
	}

	if err := e.finishCurrentDtxn(t, msg.Commit); err != nil {
		return err
	}
	if msg.AckCB != nil {
		msg.AckCB(p)
	}
	return nil
}

func (e *Executor) finishCurrentDtxn(t *txn.Transaction, commit bool) error {
	p := e.partition
	wroteHere := !t.ReadOnlyAt(p) && t.FirstUndo(p) != undo.NullToken

	if commit || !wroteHere {
		// Commit, or an abort with no writes here: the latest allocated
		// token covers the dtxn plus every speculative transaction layered
		// on top, so one engine commit releases them all.
		if err := e.commitThrough(e.undoMgr.Last()); err != nil {
			return err
		}
		e.releaseSpecBlocked()
	} else {
		if err := e.cascadeAbort(t); err != nil {
			return err
		}
	}

	t.MarkFinished(p, commit)
	if commit {
		e.lastCommittedTxnID = max(e.lastCommittedTxnID, t.ID())
	}

	// Reset partition state: clear the dtxn, restore the mode, feed the
	// blocked messages back through the work queue, tell the lock-queue
	// manager.
	e.currentDtxn = nil
	if e.execMode != ModeDisabledReject {
		e.execMode = ModeCommitAll
	}
	e.specBlocked = nil
	e.specModified = false
	e.sched.Invalidate()
	for _, m := range e.blocked {
		e.queue.Enqueue(m)
	}
	e.blocked = nil
	e.locks.Finished(t, commit, p)

	e.respondDtxn(t, commit)
	return nil
}

// commitThrough releases every outstanding token up to and including
// token with a single engine call.
func (e *Executor) commitThrough(token int64) error {
	if token == undo.NullToken || token <= e.undoMgr.LastCommitted() {
		return nil
	}
	if err := e.engine.ReleaseUndoToken(token); err != nil {
		return err
	}
	return e.undoMgr.Commit(token)
}

// releaseSpecBlocked sends every gated speculative response in the order
// the transactions were dispatched.
func (e *Executor) releaseSpecBlocked() {
	p := e.partition
	for _, s := range e.specBlocked {
		s.t.MarkFinished(p, true)
		e.metrics.SpecCommitted.Add(1)
		e.locks.Finished(s.t, true, p)
		e.coord.Respond(s.t, s.resp)
	}
	e.specBlocked = nil
}

// cascadeAbort handles the hard case: the dtxn aborts after writing here,
// with speculative transactions layered on top of its tokens.
//
// The gated buffer splits around the dtxn's first undo token. Speculative
// transactions entirely below it never saw the dtxn's writes: their
// largest token commits in one engine call (releasing all of them), then
// their responses go out. Everything at or above it may have read dirty
// state: those transactions restart with ABORT_SPECULATIVE, newest first.
// Finally the dtxn itself rolls back at its first token, which also
// unwinds any remaining higher tokens.
func (e *Executor) cascadeAbort(d *txn.Transaction) error {
	p := e.partition
	dFirst := d.FirstUndo(p)

	var commitSet, restartSet []specEntry
	commitTok := int64(undo.NullToken)
	for _, s := range e.specBlocked {
		sf := s.t.FirstUndo(p)
		if sf == undo.NullToken || sf < dFirst {
			commitSet = append(commitSet, s)
			if lu := s.t.LastUndo(p); lu != undo.NullToken && lu < dFirst && lu > commitTok {
				commitTok = lu
			}
		} else {
			restartSet = append(restartSet, s)
		}
	}

	if err := e.commitThrough(commitTok); err != nil {
		return err
	}
	for _, s := range commitSet {
		s.t.MarkFinished(p, true)
		e.metrics.SpecCommitted.Add(1)
		e.locks.Finished(s.t, true, p)
		e.coord.Respond(s.t, s.resp)
	}

	for i := len(restartSet) - 1; i >= 0; i-- {
		s := restartSet[i]
		e.metrics.SpecRestarted.Add(1)
		e.coord.Respond(s.t, &workqueue.ClientResponse{
			TxnID:       s.t.ID(),
			OK:          false,
			Kind:        herrors.AbortSpeculative,
			Err:         "invalidated by distributed transaction rollback",
			Speculative: true,
			Restarted:   true,
		})
		e.locks.Finished(s.t, false, p)
		s.t.ResetForRestart()
		s.t.Restarted()
		e.coord.Restart(s.t)
	}

	if err := e.engine.UndoUndoToken(dFirst); err != nil {
		return err
	}
	return e.undoMgr.Abort(dFirst)
}

// respondDtxn releases the client response for a finished distributed
// transaction at its base partition. Restartable aborts re-queue instead
// of responding.
func (e *Executor) respondDtxn(t *txn.Transaction, commit bool) {
	if t.IsRemote() || t.BasePartition() != e.partition {
		return
	}
	results := e.dtxnResults[t.ID()]
	delete(e.dtxnResults, t.ID())

	if commit {
		e.metrics.Committed.Add(1)
		e.coord.Respond(t, &workqueue.ClientResponse{
			TxnID:   t.ID(),
			OK:      true,
			Results: results,
		})
		return
	}

	e.metrics.Aborted.Add(1)
	err := t.PendingError()
	kind := herrors.AbortUser
	if err != nil {
		kind = herrors.KindOf(err)
	}
	if kind.Restartable() {
		if kind == herrors.AbortMispredict {
			e.metrics.Mispredicted.Add(1)
			if mp, ok := herrors.AsMisprediction(err); ok {
				t.ResetForRestart()
				t.ExpandPrediction(mp.Touched)
				t.Restarted()
				e.coord.Restart(t)
				return
			}
		}
		t.ResetForRestart()
		t.Restarted()
		e.coord.Restart(t)
		return
	}
	msg := "aborted"
	if err != nil {
		msg = err.Error()
	}
	e.coord.Respond(t, &workqueue.ClientResponse{
		TxnID: t.ID(),
		OK:    false,
		Kind:  kind,
		Err:   msg,
	})
}
