package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heronDB/compression"
	"heronDB/herrors"
	"heronDB/storage"
	"heronDB/txn"
	"heronDB/wire"
)

const fragEcho int32 = 7

type fakeCoord struct {
	sent    []*wire.WorkRequest
	sites   []int
	respond func(req *wire.WorkRequest) *wire.WorkResult
}

func (f *fakeCoord) TransactionWork(t *txn.Transaction, site int, req *wire.WorkRequest, cb func(*wire.WorkResult)) {
	f.sent = append(f.sent, req)
	f.sites = append(f.sites, site)
	if f.respond != nil {
		go cb(f.respond(req))
	}
}

type fakePeer struct {
	queued []*wire.WorkFragment
}

func (f *fakePeer) QueueWork(t *txn.Transaction, frag *wire.WorkFragment, params [][]byte, deps map[int32][][]byte, cb func(*wire.WorkResult)) {
	f.queued = append(f.queued, frag)
	go cb(&wire.WorkResult{
		PartitionID: frag.PartitionID,
		TxnID:       t.ID(),
		Status:      wire.StatusOK,
		DepIDs:      frag.OutputDepIDs,
		DepData:     [][]byte{[]byte("peer-rows")},
	})
}

type fakeTopo struct {
	localSite map[int]*fakePeer
	siteOf    map[int]int
}

func (f *fakeTopo) SiteOf(p int) int { return f.siteOf[p] }
func (f *fakeTopo) Peer(p int) Peer {
	peer, ok := f.localSite[p]
	if !ok {
		return nil
	}
	return peer
}

func newDispatcher(t *testing.T, coord Coordinator, topo Topology) (*Dispatcher, *storage.MemoryEngine) {
	t.Helper()
	engine := storage.NewMemoryEngine(0)
	engine.RegisterFragment(fragEcho, func(ctx *storage.FragmentCtx) ([]byte, error) {
		return append([]byte("echo:"), ctx.Params...), nil
	})
	codec, err := compression.NewCodec(compression.Snappy)
	require.NoError(t, err)
	cache, err := NewPrefetchCache(16)
	require.NoError(t, err)
	if topo == nil {
		topo = &fakeTopo{localSite: map[int]*fakePeer{}, siteOf: map[int]int{}}
	}
	d := New(0, 0, engine, codec, coord, topo, cache,
		Config{ResponseTimeout: time.Second, PollInterval: time.Millisecond})
	return d, engine
}

func frag(partition int32, readOnly bool, outDep int32, paramIdx ...int32) wire.WorkFragment {
	return wire.WorkFragment{
		PartitionID:  partition,
		FragmentIDs:  []int32{fragEcho},
		ParamIndexes: paramIdx,
		OutputDepIDs: []int32{outDep},
		ReadOnly:     readOnly,
	}
}

func TestLocalOnlyDispatch(t *testing.T) {
	d, _ := newDispatcher(t, &fakeCoord{}, nil)
	tx := txn.NewLocal(1, 0, "GetItem", nil, []int{0}, true, true)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(0, true, 100, 0)},
		Params:    [][]byte{[]byte("k1")},
	}
	res, err := d.Dispatch(tx, batch, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "echo:k1", string(res[100]))
	assert.True(t, tx.ExecutedAt(0))
	assert.True(t, tx.ReadOnlyAt(0), "read-only batch must not clear the bit")
}

func TestWriteBatchClearsReadOnly(t *testing.T) {
	d, _ := newDispatcher(t, &fakeCoord{}, nil)
	tx := txn.NewLocal(1, 0, "PutItem", nil, []int{0}, true, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(0, false, 100, 0)},
		Params:    [][]byte{[]byte("k1")},
	}
	_, err := d.Dispatch(tx, batch, 11, 0)
	require.NoError(t, err)
	assert.False(t, tx.ReadOnlyAt(0))
	assert.Equal(t, int64(11), tx.FirstUndo(0))
}

func TestSinglePartitionMisprediction(t *testing.T) {
	// Scenario: an SP-predicted txn on partition 0 issues a fragment for
	// partition 1.
	d, _ := newDispatcher(t, &fakeCoord{}, nil)
	tx := txn.NewLocal(2, 0, "NewOrder", nil, []int{0}, true, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(0, false, 100, 0), frag(1, false, 101, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	_, err := d.Dispatch(tx, batch, 12, 0)
	require.Error(t, err)
	var mp *herrors.Misprediction
	require.ErrorAs(t, err, &mp)
	assert.ElementsMatch(t, []int{0, 1}, mp.Touched)
	assert.False(t, tx.ExecutedAt(0), "no work may run after a misprediction")
}

func TestDonePartitionMisprediction(t *testing.T) {
	topo := &fakeTopo{localSite: map[int]*fakePeer{1: {}}, siteOf: map[int]int{}}
	d, _ := newDispatcher(t, &fakeCoord{}, topo)
	tx := txn.NewLocal(3, 0, "Payment", nil, []int{0, 1}, false, false)
	tx.MarkDone(1)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(1, false, 100, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	_, err := d.Dispatch(tx, batch, 13, 0)
	assert.True(t, herrors.IsMisprediction(err), "dispatch to a done partition must mispredict, got %v", err)
}

func TestSameSitePeerRouting(t *testing.T) {
	peer := &fakePeer{}
	topo := &fakeTopo{localSite: map[int]*fakePeer{1: peer}, siteOf: map[int]int{}}
	d, _ := newDispatcher(t, &fakeCoord{}, topo)
	tx := txn.NewLocal(4, 0, "Payment", nil, []int{0, 1}, false, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(1, true, 200, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	res, err := d.Dispatch(tx, batch, 14, 0)
	require.NoError(t, err)
	assert.Equal(t, "peer-rows", string(res[200]))
	assert.Len(t, peer.queued, 1)
}

func TestRemoteSiteBatchedAndDecoded(t *testing.T) {
	codec, err := compression.NewCodec(compression.Snappy)
	require.NoError(t, err)
	coord := &fakeCoord{
		respond: func(req *wire.WorkRequest) *wire.WorkResult {
			enc, _ := codec.Encode([]byte("remote-rows"))
			var depIDs []int32
			for _, f := range req.Fragments {
				depIDs = append(depIDs, f.OutputDepIDs...)
			}
			data := make([][]byte, len(depIDs))
			for i := range data {
				data[i] = enc
			}
			return &wire.WorkResult{
				PartitionID: req.Fragments[0].PartitionID,
				TxnID:       req.TxnID,
				Status:      wire.StatusOK,
				DepIDs:      depIDs,
				DepData:     data,
			}
		},
	}
	topo := &fakeTopo{localSite: map[int]*fakePeer{}, siteOf: map[int]int{5: 2, 6: 2}}
	d, _ := newDispatcher(t, coord, topo)
	tx := txn.NewLocal(5, 0, "Payment", nil, []int{0, 5, 6}, false, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(5, true, 300, 0), frag(6, true, 301, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	res, err := d.Dispatch(tx, batch, 15, 0)
	require.NoError(t, err)
	assert.Equal(t, "remote-rows", string(res[300]))
	assert.Equal(t, "remote-rows", string(res[301]))
	require.Len(t, coord.sent, 1, "both fragments share one site, one batched request")
	assert.Equal(t, 2, len(coord.sent[0].Fragments))
	assert.Equal(t, []int{2}, coord.sites)
}

func TestPrefetchSkipsRemoteSend(t *testing.T) {
	coord := &fakeCoord{}
	topo := &fakeTopo{localSite: map[int]*fakePeer{}, siteOf: map[int]int{5: 2}}
	d, _ := newDispatcher(t, coord, topo)
	tx := txn.NewLocal(6, 0, "Payment", nil, []int{0, 5}, false, false)

	params := [][]byte{[]byte("k")}
	sig := FragmentSignature(fragEcho, 5, params)
	tx.StashPrefetch(sig, []byte("prefetched-rows"))

	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(5, true, 400, 0)},
		Params:    params,
	}
	res, err := d.Dispatch(tx, batch, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, "prefetched-rows", string(res[400]))
	assert.Empty(t, coord.sent, "prefetch hit must skip the remote send")
}

func TestRemoteAbortSurfaces(t *testing.T) {
	coord := &fakeCoord{
		respond: func(req *wire.WorkRequest) *wire.WorkResult {
			return &wire.WorkResult{
				PartitionID: 5,
				TxnID:       req.TxnID,
				Status:      wire.StatusAbort,
				Error:       []byte("constraint violation"),
			}
		},
	}
	topo := &fakeTopo{localSite: map[int]*fakePeer{}, siteOf: map[int]int{5: 2}}
	d, _ := newDispatcher(t, coord, topo)
	tx := txn.NewLocal(7, 0, "Payment", nil, []int{0, 5}, false, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(5, false, 500, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	_, err := d.Dispatch(tx, batch, 17, 0)
	require.Error(t, err)
	a, ok := herrors.AsAbort(err)
	require.True(t, ok)
	assert.Equal(t, herrors.AbortUnexpected, a.Kind)
}

func TestResponseTimeoutIsFatal(t *testing.T) {
	// Coordinator never responds.
	coord := &fakeCoord{}
	topo := &fakeTopo{localSite: map[int]*fakePeer{}, siteOf: map[int]int{5: 2}}
	engine := storage.NewMemoryEngine(0)
	codec, err := compression.NewCodec(compression.None)
	require.NoError(t, err)
	cache, err := NewPrefetchCache(4)
	require.NoError(t, err)
	d := New(0, 0, engine, codec, coord, topo, cache,
		Config{ResponseTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	var utilityRan bool
	d.SetUtilityWork(func() { utilityRan = true })

	tx := txn.NewLocal(8, 0, "Payment", nil, []int{0, 5}, false, false)
	batch := &Batch{
		Fragments: []wire.WorkFragment{frag(5, true, 600, 0)},
		Params:    [][]byte{[]byte("k")},
	}
	_, err = d.Dispatch(tx, batch, 18, 0)
	assert.True(t, herrors.IsFatal(err), "latch timeout must be fatal, got %v", err)
	assert.True(t, utilityRan, "utility work should fill the wait")
}

func TestMarkDonePartitions(t *testing.T) {
	tx := txn.NewLocal(9, 0, "Payment", nil, []int{0, 1}, false, false)
	f := frag(1, true, 700, 0)
	f.LastFragment = true
	MarkDonePartitions(tx, &Batch{Fragments: []wire.WorkFragment{f}})
	assert.True(t, tx.DoneAt(1))
	assert.False(t, tx.DoneAt(0))
}

func TestPrefetchCacheEvictsPerTxn(t *testing.T) {
	cache, err := NewPrefetchCache(8)
	require.NoError(t, err)
	cache.Put(1, 0xa, []byte("x"))
	cache.Put(1, 0xb, []byte("y"))
	cache.Put(2, 0xa, []byte("z"))
	cache.DropTxn(1)
	if _, ok := cache.Get(1, 0xa); ok {
		t.Error("txn 1 entries should be dropped")
	}
	if _, ok := cache.Get(2, 0xa); !ok {
		t.Error("txn 2 entry should survive")
	}
}

func TestFutureStatementsRideRemoteFragments(t *testing.T) {
	coord := &fakeCoord{
		respond: func(req *wire.WorkRequest) *wire.WorkResult {
			return &wire.WorkResult{TxnID: req.TxnID, Status: wire.StatusOK}
		},
	}
	topo := &fakeTopo{localSite: map[int]*fakePeer{1: {}}, siteOf: map[int]int{5: 2}}
	d, _ := newDispatcher(t, coord, topo)
	tx := txn.NewLocal(20, 0, "Payment", nil, []int{0, 1, 5}, false, false)

	params := [][]byte{[]byte("k"), []byte("extra")}
	batch := &Batch{
		Fragments: []wire.WorkFragment{
			frag(0, true, 800, 0),
			frag(1, true, 801, 0),
			frag(5, true, 802, 0),
		},
		Params: params,
		Future: []wire.StatementEstimate{{Statement: "getFollowUp", ParamIndexes: []int32{1}}},
	}
	_, err := d.Dispatch(tx, batch, 20, 0)
	require.NoError(t, err)

	require.Len(t, coord.sent, 1)
	remote := coord.sent[0].Fragments
	require.Len(t, remote, 1)
	require.Len(t, remote[0].Future, 1, "remote fragments must carry the future statements")
	est := remote[0].Future[0]
	assert.Equal(t, "getFollowUp", est.Statement)
	assert.Equal(t, ParamsHash(SelectParams([]int32{1}, params)), est.ParamsHash,
		"dispatcher must stamp the parameter hash")
	assert.NotZero(t, est.ParamsHash)
	assert.Empty(t, batch.Fragments[2].Future, "the caller's batch must not be mutated")
}

func TestParamsHashDistinguishesSelections(t *testing.T) {
	a := ParamsHash([][]byte{[]byte("x"), []byte("y")})
	b := ParamsHash([][]byte{[]byte("xy")})
	if a == b {
		t.Error("length framing should keep concatenations apart")
	}
}
