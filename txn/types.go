package txn

import "fmt"

// Status is the lifecycle of a transaction at one partition.
type Status int

const (
	StatusQueued Status = iota
	StatusReleased
	StatusRunning
	StatusPrepared
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusReleased:
		return "RELEASED"
	case StatusRunning:
		return "RUNNING"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCommitted || s == StatusAborted
}

// SpeculationType describes the window a speculative transaction was
// dispatched in, relative to the distributed transaction holding the
// partition.
type SpeculationType int

const (
	// SpecNone marks a transaction that was not dispatched speculatively.
	SpecNone SpeculationType = iota
	// SpecIdle: no distributed transaction, or one that has not run yet.
	SpecIdle
	// SpecSP1Local: the dtxn is based here and mid-execution.
	SpecSP1Local
	// SpecSP2RemoteBefore: the dtxn is remote and has not run here yet.
	SpecSP2RemoteBefore
	// SpecSP2RemoteAfter: the dtxn is remote and has already run here.
	SpecSP2RemoteAfter
	// SpecSP3Local: the dtxn is based here and prepared here.
	SpecSP3Local
	// SpecSP3Remote: the dtxn is remote and prepared here.
	SpecSP3Remote
)

func (s SpeculationType) String() string {
	switch s {
	case SpecNone:
		return "NONE"
	case SpecIdle:
		return "IDLE"
	case SpecSP1Local:
		return "SP1_LOCAL"
	case SpecSP2RemoteBefore:
		return "SP2_REMOTE_BEFORE"
	case SpecSP2RemoteAfter:
		return "SP2_REMOTE_AFTER"
	case SpecSP3Local:
		return "SP3_LOCAL"
	case SpecSP3Remote:
		return "SP3_REMOTE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ConflictChecked reports whether candidates dispatched in this window must
// pass the conflict checker. The other windows are stall points where any
// single-partition transaction is safe.
func (s SpeculationType) ConflictChecked() bool {
	return s == SpecSP1Local || s == SpecSP2RemoteAfter
}
