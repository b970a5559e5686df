// Package scheduler picks speculative-execution candidates from a
// partition's lock queue while a distributed transaction holds the
// partition.
package scheduler

import (
	"fmt"

	"heronDB/conflict"
	"heronDB/lockqueue"
	"heronDB/txn"
)

// Policy selects among the non-conflicting candidates in the scan window.
type Policy int

const (
	// PolicyFirst returns the first non-conflicting candidate. Cheapest.
	PolicyFirst Policy = iota
	// PolicyShortest picks the candidate with the minimum estimated
	// remaining time.
	PolicyShortest
	// PolicyLongest picks the maximum estimated remaining time.
	PolicyLongest
)

func (p Policy) String() string {
	switch p {
	case PolicyFirst:
		return "FIRST"
	case PolicyShortest:
		return "SHORTEST"
	case PolicyLongest:
		return "LONGEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "first":
		return PolicyFirst, nil
	case "shortest":
		return PolicyShortest, nil
	case "longest":
		return PolicyLongest, nil
	default:
		return PolicyFirst, fmt.Errorf("unknown speculation policy %q", name)
	}
}

// Config tunes one partition's scheduler.
type Config struct {
	Policy Policy
	// Window bounds how far into the lock queue a scan walks.
	Window int
	// SenseDtxnChange invalidates the cached scan when the governing dtxn
	// changed.
	SenseDtxnChange bool
	// SenseSizeChange invalidates the cached scan when the queue size
	// changed.
	SenseSizeChange bool
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Policy:          PolicyFirst,
		Window:          10,
		SenseDtxnChange: true,
		SenseSizeChange: true,
	}
}

// ComputeSpecType classifies the speculation window from the dtxn's state
// at this partition.
func ComputeSpecType(dtxn *txn.Transaction, partition int) txn.SpeculationType {
	if dtxn == nil {
		return txn.SpecIdle
	}
	local := !dtxn.IsRemote() && dtxn.BasePartition() == partition
	if local {
		switch {
		case dtxn.PreparedAt(partition):
			return txn.SpecSP3Local
		case dtxn.StatusAt(partition) == txn.StatusRunning:
			return txn.SpecSP1Local
		default:
			return txn.SpecIdle
		}
	}
	switch {
	case dtxn.PreparedAt(partition):
		return txn.SpecSP3Remote
	case !dtxn.ExecutedAt(partition):
		return txn.SpecSP2RemoteBefore
	default:
		return txn.SpecSP2RemoteAfter
	}
}

// Scheduler scans one partition's lock queue for safe speculative
// candidates. It is confined to the owning executor task; the only
// cross-task input is the arrivals sampler used for scan interruption.
type Scheduler struct {
	partition int
	cfg       Config
	checker   conflict.Checker
	est       Estimator

	// arrivals samples the work queue's enqueue counter. New work arriving
	// mid-scan interrupts the scan.
	arrivals func() uint64

	lastDtxn int64
	lastSpec txn.SpeculationType
	lastSize int
	window   []*txn.Transaction
	valid    bool
}

// New creates a scheduler for one partition.
func New(partition int, cfg Config, checker conflict.Checker, est Estimator, arrivals func() uint64) *Scheduler {
	if checker == nil {
		checker = conflict.AllowAll{}
	}
	if est == nil {
		est = NewStaticEstimator()
	}
	if arrivals == nil {
		arrivals = func() uint64 { return 0 }
	}
	return &Scheduler{
		partition: partition,
		cfg:       cfg,
		checker:   checker,
		est:       est,
		arrivals:  arrivals,
		lastDtxn:  -1,
	}
}

// Next returns the next safe speculative candidate, removed from the lock
// queue and marked with its speculation window, or nil when none
// qualifies. release fires for the chosen candidate so the lock-queue
// manager can mark it released.
func (s *Scheduler) Next(dtxn *txn.Transaction, q *lockqueue.Queue, release func(*txn.Transaction)) *txn.Transaction {
	spec := ComputeSpecType(dtxn, s.partition)
	if spec == txn.SpecIdle {
		return nil
	}

	s.refreshWindow(dtxn, spec, q)

	startArrivals := s.arrivals()
	var best *txn.Transaction
	bestIdx := -1
	for i, cand := range s.window {
		if s.arrivals() != startArrivals {
			// New work arrived: discard the partial scan and let the
			// executor drain the queue first.
			s.valid = false
			return nil
		}
		if !s.eligible(cand) {
			continue
		}
		if spec.ConflictChecked() && !s.checker.CanExecute(dtxn, cand, s.partition) {
			continue
		}
		if s.cfg.Policy == PolicyFirst {
			best, bestIdx = cand, i
			break
		}
		if best == nil {
			best, bestIdx = cand, i
			continue
		}
		ct := s.est.RemainingTime(cand)
		bt := s.est.RemainingTime(best)
		if (s.cfg.Policy == PolicyShortest && ct < bt) ||
			(s.cfg.Policy == PolicyLongest && ct > bt) {
			best, bestIdx = cand, i
		}
	}
	if best == nil {
		return nil
	}
	if _, ok := q.Remove(best.ID()); !ok {
		// Someone else pulled it between the snapshot and now; rescan on
		// the next call.
		s.valid = false
		return nil
	}
	s.window = append(s.window[:bestIdx], s.window[bestIdx+1:]...)
	s.lastSize = q.Len()
	best.MarkSpeculative(spec)
	if release != nil {
		release(best)
	}
	return best
}

// refreshWindow rebuilds the cached scan snapshot when the configured
// change sensitivities say the cached one is stale.
func (s *Scheduler) refreshWindow(dtxn *txn.Transaction, spec txn.SpeculationType, q *lockqueue.Queue) {
	dtxnID := int64(-1)
	if dtxn != nil {
		dtxnID = dtxn.ID()
	}
	stale := !s.valid || spec != s.lastSpec
	if s.cfg.SenseDtxnChange && dtxnID != s.lastDtxn {
		stale = true
	}
	if s.cfg.SenseSizeChange && q.Len() != s.lastSize {
		stale = true
	}
	if !stale {
		return
	}
	s.window = q.Ordered(s.cfg.Window)
	s.lastDtxn = dtxnID
	s.lastSpec = spec
	s.lastSize = q.Len()
	s.valid = true
}

// Invalidate drops the cached scan snapshot.
func (s *Scheduler) Invalidate() { s.valid = false }

// eligible filters the scan: only local, single-partition-predicted,
// not-yet-released transactions may run speculatively.
func (s *Scheduler) eligible(cand *txn.Transaction) bool {
	if cand.IsRemote() || cand.BasePartition() != s.partition {
		return false
	}
	if !cand.PredictedSinglePartition() {
		return false
	}
	if cand.ExecutedAt(s.partition) {
		return false
	}
	if cand.StatusAt(s.partition) != txn.StatusQueued {
		return false
	}
	return true
}
