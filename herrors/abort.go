// Package herrors defines the transaction abort taxonomy and fatal faults
// used across the partition executor.
package herrors

import (
	"errors"
	"fmt"
)

// AbortKind classifies why a transaction was rolled back.
type AbortKind int

const (
	// AbortUser means the procedure aborted voluntarily.
	AbortUser AbortKind = iota
	// AbortMispredict means the predicted partition set was wrong.
	AbortMispredict
	// AbortSpeculative means a speculative transaction was invalidated by a
	// cascading rollback and must be re-queued.
	AbortSpeculative
	// AbortEvictedAccess means the transaction touched an evicted tuple.
	AbortEvictedAccess
	// AbortReject means the partition is in halt mode and refused the work.
	AbortReject
	// AbortUnexpected covers constraint, SQL, and engine errors.
	AbortUnexpected
)

func (k AbortKind) String() string {
	switch k {
	case AbortUser:
		return "ABORT_USER"
	case AbortMispredict:
		return "ABORT_MISPREDICT"
	case AbortSpeculative:
		return "ABORT_SPECULATIVE"
	case AbortEvictedAccess:
		return "ABORT_EVICTEDACCESS"
	case AbortReject:
		return "ABORT_REJECT"
	case AbortUnexpected:
		return "ABORT_UNEXPECTED"
	default:
		return fmt.Sprintf("ABORT_UNKNOWN(%d)", int(k))
	}
}

// Restartable reports whether the executor recovers this kind by re-queuing
// the transaction rather than surfacing the error to the client.
func (k AbortKind) Restartable() bool {
	return k == AbortMispredict || k == AbortSpeculative
}

// Abort is the error type carried by every transaction rollback.
type Abort struct {
	Kind  AbortKind
	TxnID int64
	Msg   string
	Err   error
}

func (a *Abort) Error() string {
	if a.Err != nil {
		return fmt.Sprintf("txn %d %s: %s: %v", a.TxnID, a.Kind, a.Msg, a.Err)
	}
	return fmt.Sprintf("txn %d %s: %s", a.TxnID, a.Kind, a.Msg)
}

func (a *Abort) Unwrap() error { return a.Err }

// NewAbort builds an Abort of the given kind.
func NewAbort(kind AbortKind, txnID int64, format string, args ...interface{}) *Abort {
	return &Abort{Kind: kind, TxnID: txnID, Msg: fmt.Sprintf(format, args...)}
}

// WrapAbort attaches an underlying cause to an Abort.
func WrapAbort(kind AbortKind, txnID int64, err error, msg string) *Abort {
	return &Abort{Kind: kind, TxnID: txnID, Msg: msg, Err: err}
}

// AsAbort extracts an *Abort from an error chain.
func AsAbort(err error) (*Abort, bool) {
	var a *Abort
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}

// KindOf returns the abort kind of err, or AbortUnexpected when err is not
// an Abort. Mispredictions are recognized even when not wrapped in an Abort.
func KindOf(err error) AbortKind {
	if a, ok := AsAbort(err); ok {
		return a.Kind
	}
	var mp *Misprediction
	if errors.As(err, &mp) {
		return AbortMispredict
	}
	return AbortUnexpected
}

// Misprediction is raised by the fragment dispatcher when a transaction
// touches a partition outside its predicted set, or one it already declared
// done. The touched set drives the multi-partition restart.
type Misprediction struct {
	TxnID   int64
	Touched []int
}

func (m *Misprediction) Error() string {
	return fmt.Sprintf("txn %d mispredicted partitions, touched %v", m.TxnID, m.Touched)
}

// IsMisprediction reports whether err carries a Misprediction.
func IsMisprediction(err error) bool {
	var mp *Misprediction
	return errors.As(err, &mp)
}

// AsMisprediction extracts the Misprediction from an error chain.
func AsMisprediction(err error) (*Misprediction, bool) {
	var mp *Misprediction
	if errors.As(err, &mp) {
		return mp, true
	}
	return nil, false
}

// Fatal marks an invariant violation or engine crash. The executor logs full
// state and asks the coordinator to bring the cluster down.
type Fatal struct {
	Partition int
	Msg       string
	Err       error
}

func (f *Fatal) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("fatal at partition %d: %s: %v", f.Partition, f.Msg, f.Err)
	}
	return fmt.Sprintf("fatal at partition %d: %s", f.Partition, f.Msg)
}

func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal builds a Fatal fault for a partition.
func NewFatal(partition int, format string, args ...interface{}) *Fatal {
	return &Fatal{Partition: partition, Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries a Fatal fault.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
