package txn

import (
	"errors"
	"testing"

	"heronDB/undo"
)

func TestRoundBookkeeping(t *testing.T) {
	tx := NewLocal(1, 0, "GetWarehouse", nil, []int{0}, true, false)

	if tx.ExecutedAt(0) {
		t.Error("fresh transaction should not have executed")
	}
	if tx.FirstUndo(0) != undo.NullToken {
		t.Error("fresh transaction should have a null first undo token")
	}

	tx.RecordRound(0, 101, true)
	tx.RecordRound(0, 103, false)

	if !tx.ExecutedAt(0) {
		t.Error("transaction should be marked executed")
	}
	if tx.ReadOnlyAt(0) {
		t.Error("a write round should clear the read-only bit")
	}
	if got := tx.FirstUndo(0); got != 101 {
		t.Errorf("first undo = %d, want 101", got)
	}
	if got := tx.LastUndo(0); got != 103 {
		t.Errorf("last undo = %d, want 103", got)
	}
}

func TestSentinelTokensDoNotBecomeFirstUndo(t *testing.T) {
	tx := NewLocal(2, 0, "ReadStock", nil, []int{0}, true, true)
	tx.RecordRound(0, undo.DisableToken, true)
	if got := tx.FirstUndo(0); got != undo.NullToken {
		t.Errorf("DisableToken recorded as first undo: %d", got)
	}
	if !tx.ExecutedAt(0) {
		t.Error("round should still count as executed work")
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	tx := NewLocal(3, 0, "Payment", nil, []int{0, 1}, false, false)
	if !tx.MarkPrepared(1) {
		t.Fatal("first prepare should report transition")
	}
	if tx.MarkPrepared(1) {
		t.Fatal("second prepare must be a no-op")
	}
	if !tx.PreparedAt(1) {
		t.Error("prepared bit lost")
	}
	if tx.StatusAt(1) != StatusPrepared {
		t.Errorf("status = %v, want PREPARED", tx.StatusAt(1))
	}
}

func TestMarkFinishedRecordsTerminalState(t *testing.T) {
	tx := NewLocal(4, 0, "Delivery", nil, []int{0}, true, false)
	tx.MarkFinished(0, true)
	if !tx.FinishedAt(0) {
		t.Fatal("finished bit not set")
	}
	if tx.StatusAt(0) != StatusCommitted {
		t.Errorf("status = %v, want COMMITTED", tx.StatusAt(0))
	}
}

func TestExpandPredictionDropsSinglePartitionBet(t *testing.T) {
	tx := NewLocal(5, 0, "NewOrder", nil, []int{0}, true, false)
	if !tx.PredictedSinglePartition() {
		t.Fatal("expected single-partition prediction")
	}
	tx.ExpandPrediction([]int{1, 2})
	if tx.PredictedSinglePartition() {
		t.Error("expansion must clear the single-partition bet")
	}
	for _, p := range []int{0, 1, 2} {
		if !tx.Predicted(p) {
			t.Errorf("partition %d missing from expanded prediction", p)
		}
	}
}

func TestResetForRestart(t *testing.T) {
	tx := NewLocal(6, 0, "NewOrder", nil, []int{0}, true, false)
	tx.RecordRound(0, 55, false)
	tx.MarkSpeculative(SpecSP1Local)
	tx.SetPendingError(errors.New("speculative abort"))
	tx.ExpandPrediction([]int{1})

	tx.ResetForRestart()

	if tx.ExecutedAt(0) {
		t.Error("work records should be cleared")
	}
	if tx.IsSpeculative() {
		t.Error("speculation type should be cleared")
	}
	if tx.PendingError() != nil {
		t.Error("pending error should be cleared")
	}
	if !tx.Predicted(1) {
		t.Error("widened predictions must survive a restart")
	}
}

func TestPrefetchStash(t *testing.T) {
	tx := NewRemote(7, 4, "GetItem", nil)
	tx.StashPrefetch(0xdead, []byte("rows"))
	res, ok := tx.TakePrefetch(0xdead)
	if !ok || string(res) != "rows" {
		t.Fatalf("TakePrefetch = %q, %v", res, ok)
	}
	if _, ok := tx.TakePrefetch(0xdead); ok {
		t.Error("prefetch result should be consumed exactly once")
	}
}

func TestConflictCheckedWindows(t *testing.T) {
	checked := map[SpeculationType]bool{
		SpecSP1Local:        true,
		SpecSP2RemoteAfter:  true,
		SpecSP2RemoteBefore: false,
		SpecSP3Local:        false,
		SpecSP3Remote:       false,
		SpecIdle:            false,
	}
	for s, want := range checked {
		if got := s.ConflictChecked(); got != want {
			t.Errorf("%v.ConflictChecked() = %v, want %v", s, got, want)
		}
	}
}
