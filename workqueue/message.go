// Package workqueue carries the internal messages destined for one
// partition's executor. Peer executors and the coordinator enqueue; only
// the owning executor task dequeues.
package workqueue

import (
	"fmt"
	"time"

	"heronDB/herrors"
	"heronDB/txn"
	"heronDB/wire"
)

// MessageType discriminates the internal message variants.
type MessageType int

const (
	MsgStartTxn MessageType = iota
	MsgWorkFragment
	MsgPrepare
	MsgFinish
	MsgInitializeRequest
	MsgInitializeTxn
	MsgSetDistributedTxn
	MsgDeferredQuery
	MsgUtilityWork
	MsgUpdateMemory
	MsgSnapshotWork
	MsgTableStatsRequest
)

func (m MessageType) String() string {
	switch m {
	case MsgStartTxn:
		return "StartTxn"
	case MsgWorkFragment:
		return "WorkFragment"
	case MsgPrepare:
		return "Prepare"
	case MsgFinish:
		return "Finish"
	case MsgInitializeRequest:
		return "InitializeRequest"
	case MsgInitializeTxn:
		return "InitializeTxn"
	case MsgSetDistributedTxn:
		return "SetDistributedTxn"
	case MsgDeferredQuery:
		return "DeferredQuery"
	case MsgUtilityWork:
		return "UtilityWork"
	case MsgUpdateMemory:
		return "UpdateMemory"
	case MsgSnapshotWork:
		return "SnapshotWork"
	case MsgTableStatsRequest:
		return "TableStatsRequest"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ClientResponse is the one-shot reply delivered for each transaction.
type ClientResponse struct {
	TxnID int64
	OK    bool
	// Kind is the abort classification when OK is false.
	Kind herrors.AbortKind
	// Results maps output dependency ids to serialized rowsets.
	Results map[int32][]byte
	Err     string
	// Speculative marks responses produced under an active dtxn.
	Speculative bool
	// Restarted marks aborted responses whose transaction was re-queued.
	Restarted bool
}

// ResponseCallback delivers exactly one ClientResponse.
type ResponseCallback func(*ClientResponse)

// InitializeRequest is the raw client invocation before a transaction
// exists.
type InitializeRequest struct {
	Procedure       string
	Params          [][]byte
	BasePartition   int
	// PredictedPartitions is the planner's partition bet; empty means just
	// the base partition.
	PredictedPartitions []int
	SinglePartition     bool
	ReadOnly        bool
	SysProc         bool
	InitiateTime    time.Time
	ClientCB        ResponseCallback
}

// Message is one unit of work on a partition's queue. Fields beyond Type
// are variant-specific.
type Message struct {
	Type MessageType

	// Txn is set for StartTxn, WorkFragment, Prepare, Finish,
	// InitializeTxn, and SetDistributedTxn.
	Txn *txn.Transaction

	// Fragment, FragParams, and InputDeps carry a WorkFragment's payload.
	Fragment   *wire.WorkFragment
	FragParams [][]byte
	InputDeps  map[int32][][]byte
	// ResultCB routes the fragment's WorkResult back to the dispatcher.
	ResultCB func(*wire.WorkResult)

	// Commit is the decision carried by Finish.
	Commit bool

	// AckCB acknowledges Prepare and Finish processing back to the
	// coordinator.
	AckCB func(partition int)

	// ClientCB rides with InitializeTxn so the base executor can deliver
	// the one-shot client response.
	ClientCB ResponseCallback

	// Raw is set for InitializeRequest.
	Raw *InitializeRequest

	// Stmt and StmtParams are set for DeferredQuery.
	Stmt       string
	StmtParams [][]byte
}
