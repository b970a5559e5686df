// Package coordinator wires the partition executors of one or more sites
// into a fabric: it initializes transactions, routes cross-partition work,
// and drives the two-phase prepare/finish protocol for distributed
// transactions.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"heronDB/compression"
	"heronDB/dispatch"
	"heronDB/executor"
	"heronDB/lockqueue"
	"heronDB/txn"
	"heronDB/wire"
	"heronDB/workqueue"
)

// Site is the per-site coordinator: it owns the site's executors and lock
// queues and implements the coordination surfaces they consume.
type Site struct {
	id     int
	fabric *Fabric
	log    zerolog.Logger
	codec  *compression.Codec
	locks  *lockqueue.SiteManager

	mu        sync.Mutex
	executors map[int]*executor.Executor
	// remotes holds the lightweight handles for transactions based at
	// other sites, keyed by transaction id.
	remotes map[int64]*txn.Transaction
	// locals indexes this site's own transactions so pushed prefetch
	// results find their owner.
	locals  map[int64]*txn.Transaction
	clients map[int64]workqueue.ResponseCallback
}

// Fabric connects sites in-process: the demo binary and the integration
// tests run multi-partition transactions through it without a network.
type Fabric struct {
	log  zerolog.Logger
	pool *ants.Pool

	mu        sync.Mutex
	sites     map[int]*Site
	partition map[int]int // partition → site
	nextTxnID atomic.Int64
	crashed   atomic.Bool
}

// NewFabric creates an empty fabric. poolSize bounds the goroutines used
// for outbound sends and 2PC driving.
func NewFabric(log zerolog.Logger, poolSize int) (*Fabric, error) {
	if poolSize <= 0 {
		poolSize = 32
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator pool: %w", err)
	}
	return &Fabric{
		log:       log,
		pool:      pool,
		sites:     make(map[int]*Site),
		partition: make(map[int]int),
	}, nil
}

// Close releases the send pool.
func (f *Fabric) Close() { f.pool.Release() }

// AddSite registers a site and its lock-queue manager.
func (f *Fabric) AddSite(id int, codec *compression.Codec, locks *lockqueue.SiteManager) *Site {
	s := &Site{
		id:        id,
		fabric:    f,
		log:       f.log.With().Int("site", id).Logger(),
		codec:     codec,
		locks:     locks,
		executors: make(map[int]*executor.Executor),
		remotes:   make(map[int64]*txn.Transaction),
		locals:    make(map[int64]*txn.Transaction),
		clients:   make(map[int64]workqueue.ResponseCallback),
	}
	f.mu.Lock()
	f.sites[id] = s
	f.mu.Unlock()
	return s
}

// AddExecutor registers a partition executor with its site.
func (s *Site) AddExecutor(partition int, e *executor.Executor) {
	s.mu.Lock()
	s.executors[partition] = e
	s.mu.Unlock()
	s.fabric.mu.Lock()
	s.fabric.partition[partition] = s.id
	s.fabric.mu.Unlock()
}

// Locks exposes the site's lock-queue manager.
func (s *Site) Locks() *lockqueue.SiteManager { return s.locks }

func (s *Site) executorFor(partition int) *executor.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executors[partition]
}

func (f *Fabric) siteOf(partition int) *Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, ok := f.partition[partition]
	if !ok {
		return nil
	}
	return f.sites[sid]
}

// NextTxnID hands out the global sequence ids that define the cluster-wide
// serial order.
func (f *Fabric) NextTxnID() int64 { return f.nextTxnID.Add(1) }

// SiteOf implements dispatch.Topology.
func (s *Site) SiteOf(partition int) int {
	s.fabric.mu.Lock()
	defer s.fabric.mu.Unlock()
	return s.fabric.partition[partition]
}

// Peer implements dispatch.Topology: a same-site executor reachable
// through its work queue, nil for partitions on other sites.
func (s *Site) Peer(partition int) dispatch.Peer {
	e := s.executorFor(partition)
	if e == nil {
		return nil
	}
	return &peerExecutor{exec: e}
}

type peerExecutor struct {
	exec *executor.Executor
}

// QueueWork implements dispatch.Peer.
func (p *peerExecutor) QueueWork(t *txn.Transaction, frag *wire.WorkFragment, params [][]byte, inputDeps map[int32][][]byte, cb func(*wire.WorkResult)) {
	p.exec.Queue().Enqueue(workqueue.Message{
		Type:       workqueue.MsgWorkFragment,
		Txn:        t,
		Fragment:   frag,
		FragParams: params,
		InputDeps:  inputDeps,
		ResultCB:   cb,
	})
}

// remoteHandle returns (creating if needed) the lightweight handle this
// site keeps for a transaction based elsewhere.
func (s *Site) remoteHandle(id int64, basePartition int, procedure string, params [][]byte) *txn.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.remotes[id]; ok {
		return t
	}
	t := txn.NewRemote(id, basePartition, procedure, params)
	s.remotes[id] = t
	return t
}

func (s *Site) dropRemote(id int64) {
	s.mu.Lock()
	delete(s.remotes, id)
	s.mu.Unlock()
}

// InitializeTransaction implements executor.Coordinator: assign the global
// id, build the transaction, remember the client callback, and queue it on
// every predicted partition's lock queue.
func (s *Site) InitializeTransaction(raw *workqueue.InitializeRequest) (*txn.Transaction, error) {
	predicted := raw.PredictedPartitions
	if len(predicted) == 0 {
		predicted = []int{raw.BasePartition}
	}
	id := s.fabric.NextTxnID()
	t := txn.NewLocal(id, raw.BasePartition, raw.Procedure, raw.Params, predicted, raw.SinglePartition, raw.ReadOnly)
	if raw.SysProc {
		t.MarkSysProc()
	}
	s.mu.Lock()
	s.locals[id] = t
	if raw.ClientCB != nil {
		s.clients[id] = raw.ClientCB
	}
	s.mu.Unlock()
	s.enqueueOnLockQueues(t)
	return t, nil
}

// Restart implements executor.Coordinator: put a mispredicted or
// speculatively aborted transaction back on its lock queues. The
// transaction keeps its sequence id, so it goes to the head of the line.
func (s *Site) Restart(t *txn.Transaction) {
	s.fabric.submit(func() {
		s.enqueueOnLockQueues(t)
	})
}

func (s *Site) enqueueOnLockQueues(t *txn.Transaction) {
	for _, p := range t.PredictedPartitions() {
		target := s.fabric.siteOf(p)
		if target == nil {
			s.log.Error().Int("partition", p).Int64("txn", t.ID()).Msg("no site owns partition")
			continue
		}
		if target == s {
			target.locks.Insert(t, p, nil)
		} else {
			h := target.remoteHandle(t.ID(), t.BasePartition(), t.Procedure(), t.Params())
			target.locks.Insert(h, p, nil)
		}
	}
}

// Respond implements executor.Coordinator: deliver the one-shot client
// response. Restarted attempts keep their callback for the next attempt's
// terminal response.
func (s *Site) Respond(t *txn.Transaction, resp *workqueue.ClientResponse) {
	s.mu.Lock()
	cb, ok := s.clients[t.ID()]
	if ok && !resp.Restarted {
		delete(s.clients, t.ID())
	}
	if !resp.Restarted {
		delete(s.locals, t.ID())
	}
	s.mu.Unlock()
	if cb != nil {
		cb(resp)
	}
}

// crashCluster backs Site.CrashCluster: a fatal fault anywhere takes every
// executor down.
func (f *Fabric) crashCluster(err error) {
	if !f.crashed.CompareAndSwap(false, true) {
		return
	}
	f.log.Error().Err(err).Msg("crashing cluster on fatal fault")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, site := range f.sites {
		site.mu.Lock()
		for _, e := range site.executors {
			e.Shutdown()
		}
		site.mu.Unlock()
	}
}

// CrashCluster implements executor.Coordinator.
func (s *Site) CrashCluster(err error) { s.fabric.crashCluster(err) }

// Crashed reports whether a fatal fault brought the fabric down.
func (f *Fabric) Crashed() bool { return f.crashed.Load() }

func (f *Fabric) submit(fn func()) {
	if err := f.pool.Submit(fn); err != nil {
		// Pool released during shutdown; run inline so acks still flow.
		fn()
	}
}

// Invoke is the client entry point: it routes a raw invocation to the base
// partition's work queue.
func (s *Site) Invoke(raw *workqueue.InitializeRequest) error {
	e := s.executorFor(raw.BasePartition)
	if e == nil {
		target := s.fabric.siteOf(raw.BasePartition)
		if target == nil {
			return fmt.Errorf("no executor for partition %d", raw.BasePartition)
		}
		return target.Invoke(raw)
	}
	e.Queue().Enqueue(workqueue.Message{Type: workqueue.MsgInitializeRequest, Raw: raw})
	return nil
}

// Halt puts every executor on this site into reject mode. System
// procedures and in-flight coordination still run.
func (s *Site) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executors {
		e.Halt()
	}
}
