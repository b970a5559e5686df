package lockqueue

import (
	"sync"

	"heronDB/txn"
)

// ReleaseCallback fires when a transaction is released to a partition's
// executor (it reached the head of the lock queue and was polled).
type ReleaseCallback func(t *txn.Transaction, partition int)

// Manager is the site-level lock-queue surface the executor consumes.
type Manager interface {
	// CheckLockQueue pops the next releasable transaction for partition,
	// nil when none is ready. Non-blocking.
	CheckLockQueue(partition int) *txn.Transaction
	// Insert queues t on partition's lock queue. cb fires when t is
	// released to the executor; it may be nil.
	Insert(t *txn.Transaction, partition int, cb ReleaseCallback)
	// Release marks a transaction the speculative scheduler pulled out of
	// the queue as released and fires its callback.
	Release(t *txn.Transaction, partition int)
	// Finished tells the manager t reached its terminal state at
	// partition; any queued entry is discarded.
	Finished(t *txn.Transaction, committed bool, partition int)
	// Queue exposes the partition's queue for speculative scanning.
	Queue(partition int) *Queue
}

// SiteManager is the in-process Manager for all partitions of one site.
// Global ordering comes from the monotonically assigned transaction ids, so
// releasing queue heads in id order yields the cluster-wide serial order.
type SiteManager struct {
	mu        sync.Mutex
	queues    map[int]*Queue
	callbacks map[int64]ReleaseCallback
}

// NewSiteManager creates lock queues for the given partitions.
func NewSiteManager(partitions []int) *SiteManager {
	m := &SiteManager{
		queues:    make(map[int]*Queue, len(partitions)),
		callbacks: make(map[int64]ReleaseCallback),
	}
	for _, p := range partitions {
		m.queues[p] = New()
	}
	return m
}

// Queue returns the lock queue for partition, creating it on demand.
func (m *SiteManager) Queue(partition int) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[partition]
	if !ok {
		q = New()
		m.queues[partition] = q
	}
	return q
}

// Insert queues t for partition.
func (m *SiteManager) Insert(t *txn.Transaction, partition int, cb ReleaseCallback) {
	if cb != nil {
		m.mu.Lock()
		m.callbacks[t.ID()] = cb
		m.mu.Unlock()
	}
	t.SetStatus(partition, txn.StatusQueued)
	m.Queue(partition).Insert(t)
}

// CheckLockQueue pops the head of partition's queue and marks it released.
func (m *SiteManager) CheckLockQueue(partition int) *txn.Transaction {
	t := m.Queue(partition).Poll()
	if t == nil {
		return nil
	}
	m.release(t, partition)
	return t
}

// Release marks a transaction pulled out of the queue by the speculative
// scheduler as released and fires its callback.
func (m *SiteManager) Release(t *txn.Transaction, partition int) {
	m.release(t, partition)
}

func (m *SiteManager) release(t *txn.Transaction, partition int) {
	t.SetStatus(partition, txn.StatusReleased)
	m.mu.Lock()
	cb := m.callbacks[t.ID()]
	m.mu.Unlock()
	if cb != nil {
		cb(t, partition)
	}
}

// Finished drops any queued entry and forgets the release callback.
func (m *SiteManager) Finished(t *txn.Transaction, committed bool, partition int) {
	m.Queue(partition).Remove(t.ID())
	m.mu.Lock()
	delete(m.callbacks, t.ID())
	m.mu.Unlock()
}
