// Package undo implements the per-partition undo-token discipline.
//
// Tokens are monotonically increasing 64-bit tags naming a batch of storage
// engine changes that roll back atomically. Committing a token implicitly
// commits every lower outstanding token; aborting a token implicitly aborts
// every higher one. The partition executor leans on this to layer
// speculative work on top of a distributed transaction and still unwind it
// in one engine call.
package undo

import (
	"math"

	"heronDB/herrors"
)

const (
	// NullToken marks a transaction round that has not touched the engine.
	NullToken int64 = -1
	// DisableToken tells the engine to skip undo logging for the round.
	DisableToken int64 = math.MaxInt64
	// partitionSeed spaces each partition's token range apart so a token
	// seen at the wrong partition fails loudly.
	partitionSeed int64 = 1_000_000
)

// Round describes the execution round a token is being chosen for.
type Round struct {
	// Speculative rounds always isolate their writes under a fresh token.
	Speculative bool
	// ReadOnly is true when the batch contains no writes.
	ReadOnly bool
	// Prior is the token the transaction last used at this partition, or
	// NullToken on its first round here.
	Prior int64
	// MultiPartition is true when the transaction spans partitions.
	MultiPartition bool
	// NoAbortRemainder is the estimator's claim that the rest of the
	// transaction cannot abort and writes nothing further here.
	NoAbortRemainder bool
}

// Manager allocates undo tokens for one partition and tracks the
// commit/abort frontier. It is confined to the owning executor task.
type Manager struct {
	partition     int
	last          int64
	lastCommitted int64
	forceUndo     bool
}

// NewManager seeds the counter at partition*10^6 so ranges never overlap.
func NewManager(partition int, forceUndo bool) *Manager {
	seed := int64(partition) * partitionSeed
	return &Manager{
		partition:     partition,
		last:          seed,
		lastCommitted: seed,
		forceUndo:     forceUndo,
	}
}

// Next allocates a fresh token.
func (m *Manager) Next() int64 {
	m.last++
	return m.last
}

// Last returns the most recently allocated token.
func (m *Manager) Last() int64 { return m.last }

// LastCommitted returns the highest token released to the engine.
func (m *Manager) LastCommitted() int64 { return m.lastCommitted }

// TokenForRound picks the undo token for the next execution round.
//
// Speculative rounds always get a fresh token: their writes must be
// individually separable from the distributed transaction below them.
// Read-only rounds reuse the prior token, or run unlogged when the
// transaction has no token here yet. Write rounds get a fresh token on the
// first round, for any multi-partition transaction, or under force-undo;
// otherwise the estimator's no-abort claim lets the round run against the
// prior token.
func (m *Manager) TokenForRound(r Round) int64 {
	if r.Speculative {
		return m.Next()
	}
	if r.ReadOnly {
		if r.Prior == NullToken {
			return DisableToken
		}
		return r.Prior
	}
	if r.Prior == NullToken || r.MultiPartition || m.forceUndo {
		return m.Next()
	}
	if r.NoAbortRemainder {
		return r.Prior
	}
	return m.Next()
}

// Commit records the release of token. The engine contract requires
// committed tokens to be strictly increasing; anything else is an
// invariant violation and fatal.
func (m *Manager) Commit(token int64) error {
	if token == DisableToken || token == NullToken {
		return nil
	}
	if token <= m.lastCommitted {
		return herrors.NewFatal(m.partition,
			"commit token %d not above last committed %d", token, m.lastCommitted)
	}
	if token > m.last {
		return herrors.NewFatal(m.partition,
			"commit token %d was never allocated (last %d)", token, m.last)
	}
	m.lastCommitted = token
	return nil
}

// Abort records the rollback at token. Aborts arrive LIFO, so the token must
// still be above the committed frontier.
func (m *Manager) Abort(token int64) error {
	if token == DisableToken || token == NullToken {
		return nil
	}
	if token <= m.lastCommitted {
		return herrors.NewFatal(m.partition,
			"abort token %d at or below committed frontier %d", token, m.lastCommitted)
	}
	if token > m.last {
		return herrors.NewFatal(m.partition,
			"abort token %d was never allocated (last %d)", token, m.last)
	}
	return nil
}
