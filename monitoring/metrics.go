package monitoring

import "sync/atomic"

// ExecutorMetrics counts one partition executor's activity. Counters are
// atomic so stats requests can snapshot them from outside the executor
// task.
type ExecutorMetrics struct {
	Executed          atomic.Int64
	Committed         atomic.Int64
	Aborted           atomic.Int64
	Speculative       atomic.Int64
	SpecCommitted     atomic.Int64
	SpecRestarted     atomic.Int64
	Mispredicted      atomic.Int64
	Rejected          atomic.Int64
	Ticks             atomic.Int64
	BlockedHighWater  atomic.Int64
	UtilityWorkRounds atomic.Int64
	// TableRows and TableBytes are gauges refreshed by the tick-driven
	// memory accounting.
	TableRows  atomic.Int64
	TableBytes atomic.Int64
}

// ObserveBlocked records the blocked-message queue depth, keeping the
// high-water mark.
func (m *ExecutorMetrics) ObserveBlocked(depth int) {
	for {
		cur := m.BlockedHighWater.Load()
		if int64(depth) <= cur {
			return
		}
		if m.BlockedHighWater.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Executed          int64
	Committed         int64
	Aborted           int64
	Speculative       int64
	SpecCommitted     int64
	SpecRestarted     int64
	Mispredicted      int64
	Rejected          int64
	Ticks             int64
	BlockedHighWater  int64
	UtilityWorkRounds int64
	TableRows         int64
	TableBytes        int64
}

// Snapshot copies the counters.
func (m *ExecutorMetrics) Snapshot() Snapshot {
	return Snapshot{
		Executed:          m.Executed.Load(),
		Committed:         m.Committed.Load(),
		Aborted:           m.Aborted.Load(),
		Speculative:       m.Speculative.Load(),
		SpecCommitted:     m.SpecCommitted.Load(),
		SpecRestarted:     m.SpecRestarted.Load(),
		Mispredicted:      m.Mispredicted.Load(),
		Rejected:          m.Rejected.Load(),
		Ticks:             m.Ticks.Load(),
		BlockedHighWater:  m.BlockedHighWater.Load(),
		UtilityWorkRounds: m.UtilityWorkRounds.Load(),
		TableRows:         m.TableRows.Load(),
		TableBytes:        m.TableBytes.Load(),
	}
}
