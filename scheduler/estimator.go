package scheduler

import (
	"sync"
	"time"

	"heronDB/txn"
)

// Estimator answers the planner-side questions speculation depends on:
// how long a transaction has left, whether its remainder can still abort,
// and whether it writes anything further at a partition.
type Estimator interface {
	RemainingTime(t *txn.Transaction) time.Duration
	Abortable(t *txn.Transaction) bool
	ReadOnlyRemainder(t *txn.Transaction, partition int) bool
}

// ProcedureProfile is the static estimate for one stored procedure.
type ProcedureProfile struct {
	Runtime time.Duration
	// Abortable is the conservative default; only procedures proven
	// abort-free may clear it.
	Abortable bool
	// ReadOnlyTail means the procedure issues no writes after its first
	// batch at a partition.
	ReadOnlyTail bool
}

// StaticEstimator serves catalog-fed profiles. Unknown procedures get the
// conservative answers: zero runtime, abortable, writes possible.
type StaticEstimator struct {
	mu       sync.RWMutex
	profiles map[string]ProcedureProfile
}

// NewStaticEstimator creates an empty estimator.
func NewStaticEstimator() *StaticEstimator {
	return &StaticEstimator{profiles: make(map[string]ProcedureProfile)}
}

// Register installs a procedure profile.
func (e *StaticEstimator) Register(procedure string, p ProcedureProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[procedure] = p
}

func (e *StaticEstimator) profile(t *txn.Transaction) (ProcedureProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[t.Procedure()]
	return p, ok
}

func (e *StaticEstimator) RemainingTime(t *txn.Transaction) time.Duration {
	if p, ok := e.profile(t); ok {
		return p.Runtime
	}
	return 0
}

func (e *StaticEstimator) Abortable(t *txn.Transaction) bool {
	if p, ok := e.profile(t); ok {
		return p.Abortable
	}
	return true
}

func (e *StaticEstimator) ReadOnlyRemainder(t *txn.Transaction, _ int) bool {
	if p, ok := e.profile(t); ok {
		return p.ReadOnlyTail
	}
	return false
}
