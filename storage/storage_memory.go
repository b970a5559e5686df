package storage

import (
	"fmt"
	"time"

	"heronDB/herrors"
	"heronDB/undo"
)

// FragmentFunc executes one registered plan fragment against the engine.
// Writes must go through Ctx.Put/Delete so they land in the undo chain.
type FragmentFunc func(ctx *FragmentCtx) ([]byte, error)

// FragmentCtx is the view a fragment gets of the engine for one round.
type FragmentCtx struct {
	engine *MemoryEngine
	token  int64
	// Params is the fragment's serialized parameter buffer.
	Params []byte
	// Inputs are the rowsets for the fragment's input dependencies.
	Inputs [][]byte
	TxnID  int64
}

// Get reads a row.
func (c *FragmentCtx) Get(table, key string) ([]byte, bool) {
	t, ok := c.engine.tables[table]
	if !ok {
		return nil, false
	}
	v, ok := t[key]
	return v, ok
}

// Put writes a row, logging the previous value under the round's token.
func (c *FragmentCtx) Put(table, key string, value []byte) {
	c.engine.logUndo(c.token, table, key)
	t, ok := c.engine.tables[table]
	if !ok {
		t = make(map[string][]byte)
		c.engine.tables[table] = t
	}
	t[key] = value
}

// Delete removes a row, logging the previous value under the round's token.
func (c *FragmentCtx) Delete(table, key string) {
	c.engine.logUndo(c.token, table, key)
	delete(c.engine.tables[table], key)
}

type undoRecord struct {
	token   int64
	table   string
	key     string
	old     []byte
	existed bool
}

// MemoryEngine is a main-memory engine with real undo-chain semantics so
// cascade tests can observe commit and rollback ordering. It is confined to
// one executor task and carries no internal locking.
type MemoryEngine struct {
	partition int
	tables    map[string]map[string][]byte
	fragments map[int32]FragmentFunc

	chain        []undoRecord
	lastSeen     int64
	lastReleased int64

	stashedDeps map[int32][][]byte

	// Call history, inspected by tests and stats maintenance.
	Releases  []int64
	Undos     []int64
	TickCount int
	lastTick  time.Time
	catalog   []byte
}

// NewMemoryEngine creates an empty engine for one partition.
func NewMemoryEngine(partition int) *MemoryEngine {
	return &MemoryEngine{
		partition: partition,
		tables:    make(map[string]map[string][]byte),
		fragments: make(map[int32]FragmentFunc),
		lastSeen:  undo.NullToken,
	}
}

// RegisterFragment installs the handler for a plan fragment id. The system
// procedure registry does this once at boot.
func (e *MemoryEngine) RegisterFragment(id int32, fn FragmentFunc) {
	e.fragments[id] = fn
}

// LoadCatalog installs the serialized catalog.
func (e *MemoryEngine) LoadCatalog(catalog []byte) error {
	e.catalog = catalog
	return nil
}

// Tick is the executor's periodic heartbeat.
func (e *MemoryEngine) Tick(ts time.Time, lastCommittedTxn int64) {
	e.TickCount++
	e.lastTick = ts
}

func (e *MemoryEngine) logUndo(token int64, table, key string) {
	if token == undo.DisableToken || token == undo.NullToken {
		return
	}
	var old []byte
	existed := false
	if t, ok := e.tables[table]; ok {
		if v, ok := t[key]; ok {
			old = append([]byte(nil), v...)
			existed = true
		}
	}
	e.chain = append(e.chain, undoRecord{token: token, table: table, key: key, old: old, existed: existed})
}

// ExecutePlanFragments runs a batch under one undo token and returns the
// output dependency set.
func (e *MemoryEngine) ExecutePlanFragments(work *FragmentWork) (*DependencySet, error) {
	if work.UndoToken != undo.DisableToken && work.UndoToken != undo.NullToken {
		if work.UndoToken < e.lastSeen {
			return nil, herrors.NewFatal(e.partition,
				"undo token went backwards: %d after %d", work.UndoToken, e.lastSeen)
		}
		if work.UndoToken <= e.lastReleased {
			return nil, herrors.NewFatal(e.partition,
				"undo token %d at or below released frontier %d", work.UndoToken, e.lastReleased)
		}
		e.lastSeen = work.UndoToken
	}

	out := &DependencySet{}
	for i, fid := range work.FragmentIDs {
		fn, ok := e.fragments[fid]
		if !ok {
			return nil, fmt.Errorf("unknown plan fragment %d", fid)
		}
		ctx := &FragmentCtx{engine: e, token: work.UndoToken, TxnID: work.TxnID}
		if i < len(work.Params) {
			ctx.Params = work.Params[i]
		}
		if i < len(work.OutputDepIDs) {
			// Input dependencies are addressed by this fragment's output id
			// slot when stashed by a prior round.
			if deps, ok := work.InputDeps[work.OutputDepIDs[i]]; ok {
				ctx.Inputs = deps
			}
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if i < len(work.OutputDepIDs) {
			out.IDs = append(out.IDs, work.OutputDepIDs[i])
			out.Data = append(out.Data, res)
		}
	}
	return out, nil
}

// ReleaseUndoToken commits token and every lower outstanding token.
func (e *MemoryEngine) ReleaseUndoToken(token int64) error {
	if token == undo.DisableToken || token == undo.NullToken {
		return nil
	}
	if token <= e.lastReleased {
		return herrors.NewFatal(e.partition,
			"released token %d not above previous release %d", token, e.lastReleased)
	}
	kept := e.chain[:0]
	for _, rec := range e.chain {
		if rec.token > token {
			kept = append(kept, rec)
		}
	}
	e.chain = kept
	e.lastReleased = token
	e.Releases = append(e.Releases, token)
	return nil
}

// UndoUndoToken rolls back token and every higher outstanding token,
// newest first.
func (e *MemoryEngine) UndoUndoToken(token int64) error {
	if token == undo.DisableToken || token == undo.NullToken {
		return nil
	}
	if token <= e.lastReleased {
		return herrors.NewFatal(e.partition,
			"undo of token %d at or below released frontier %d", token, e.lastReleased)
	}
	kept := len(e.chain)
	for kept > 0 && e.chain[kept-1].token >= token {
		kept--
	}
	for i := len(e.chain) - 1; i >= kept; i-- {
		rec := e.chain[i]
		t, ok := e.tables[rec.table]
		if !ok {
			continue
		}
		if rec.existed {
			t[rec.key] = rec.old
		} else {
			delete(t, rec.key)
		}
	}
	e.chain = e.chain[:kept]
	e.Undos = append(e.Undos, token)
	return nil
}

// GetStats reports row counts and byte sizes for the selected tables, or
// all tables when the list is empty.
func (e *MemoryEngine) GetStats(selector string, tables []string, ts time.Time) ([]TableStats, error) {
	names := tables
	if len(names) == 0 {
		names = make([]string, 0, len(e.tables))
		for name := range e.tables {
			names = append(names, name)
		}
	}
	out := make([]TableStats, 0, len(names))
	for _, name := range names {
		t, ok := e.tables[name]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		var bytes int64
		for k, v := range t {
			bytes += int64(len(k) + len(v))
		}
		out = append(out, TableStats{Table: name, Rows: int64(len(t)), Bytes: bytes})
	}
	return out, nil
}

// LoadTable bulk-inserts rows under the given undo token.
func (e *MemoryEngine) LoadTable(table string, rows map[string][]byte, txnID, lastCommitted, undoToken int64, allowExport bool) error {
	t, ok := e.tables[table]
	if !ok {
		t = make(map[string][]byte)
		e.tables[table] = t
	}
	for k, v := range rows {
		e.logUndo(undoToken, table, k)
		t[k] = v
	}
	return nil
}

// StashWorkUnitDependencies parks input dependencies for the next
// execution round.
func (e *MemoryEngine) StashWorkUnitDependencies(deps map[int32][][]byte) {
	e.stashedDeps = deps
}

// TakeStashedDependencies returns and clears the parked dependencies.
func (e *MemoryEngine) TakeStashedDependencies() map[int32][][]byte {
	d := e.stashedDeps
	e.stashedDeps = nil
	return d
}

// Row reads a row directly; test and boot helper.
func (e *MemoryEngine) Row(table, key string) ([]byte, bool) {
	t, ok := e.tables[table]
	if !ok {
		return nil, false
	}
	v, ok := t[key]
	return v, ok
}

// OutstandingUndoRecords reports the undo-chain depth; test helper.
func (e *MemoryEngine) OutstandingUndoRecords() int { return len(e.chain) }
