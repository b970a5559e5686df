package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heronDB/config"
	"heronDB/dispatch"
	"heronDB/executor"
	"heronDB/monitoring"
	"heronDB/storage"
	"heronDB/wire"
	"heronDB/workqueue"
)

const (
	fragRead  int32 = 1
	fragWrite int32 = 2
)

type cluster struct {
	fabric     *Fabric
	site0      *Site
	site1      *Site
	engines    map[int]*storage.MemoryEngine
	readCounts map[int]*atomic.Int64
	cancel     context.CancelFunc
}

// splitParam parses "table|key|value" parameter buffers.
func splitParam(b []byte) (table, key, value string) {
	var parts [3]string
	idx := 0
	start := 0
	s := string(b)
	for i := 0; i < len(s) && idx < 2; i++ {
		if s[i] == '|' {
			parts[idx] = s[start:i]
			idx++
			start = i + 1
		}
	}
	parts[idx] = s[start:]
	return parts[0], parts[1], parts[2]
}

func buildCluster(t *testing.T) *cluster {
	t.Helper()
	log := monitoring.NewLogger("error", "json", nil)
	fabric, err := NewFabric(log, 16)
	require.NoError(t, err)

	engines := make(map[int]*storage.MemoryEngine)
	readCounts := make(map[int]*atomic.Int64)
	factory := func(p int) storage.Engine {
		e := storage.NewMemoryEngine(p)
		counter := &atomic.Int64{}
		readCounts[p] = counter
		e.RegisterFragment(fragRead, func(ctx *storage.FragmentCtx) ([]byte, error) {
			counter.Add(1)
			table, key, _ := splitParam(ctx.Params)
			v, _ := ctx.Get(table, key)
			return v, nil
		})
		e.RegisterFragment(fragWrite, func(ctx *storage.FragmentCtx) ([]byte, error) {
			table, key, value := splitParam(ctx.Params)
			ctx.Put(table, key, []byte(value))
			return []byte("ok"), nil
		})
		engines[p] = e
		return e
	}

	procs := executor.NewRegistry()
	executor.RegisterStatement("GetRow", fragRead)
	procs.Register("Put", func(ctx *executor.ProcContext) error {
		_, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{{
				PartitionID:  int32(ctx.Partition()),
				FragmentIDs:  []int32{fragWrite},
				ParamIndexes: []int32{0},
				OutputDepIDs: []int32{100},
			}},
			Params: ctx.Params(),
		})
		return err
	})
	procs.Register("Get", func(ctx *executor.ProcContext) error {
		_, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{{
				PartitionID:  int32(ctx.Partition()),
				FragmentIDs:  []int32{fragRead},
				ParamIndexes: []int32{0},
				OutputDepIDs: []int32{100},
				ReadOnly:     true,
			}},
			Params: ctx.Params(),
		})
		return err
	})
	// SpanPut writes the row at the base partition and partition 2 (on the
	// second site).
	procs.Register("SpanPut", func(ctx *executor.ProcContext) error {
		_, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{
				{PartitionID: int32(ctx.Partition()), FragmentIDs: []int32{fragWrite}, ParamIndexes: []int32{0}, OutputDepIDs: []int32{100}},
				{PartitionID: 2, FragmentIDs: []int32{fragWrite}, ParamIndexes: []int32{0}, OutputDepIDs: []int32{101}, LastFragment: true},
			},
			Params: ctx.Params(),
		})
		return err
	})
	// PrefetchSpan reads partition 2 twice: the first batch announces the
	// second as a future statement, so the follow-up should be served from
	// the prefetched result without a second remote round trip.
	procs.Register("PrefetchSpan", func(ctx *executor.ProcContext) error {
		if _, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{{
				PartitionID:  2,
				FragmentIDs:  []int32{fragRead},
				ParamIndexes: []int32{0},
				OutputDepIDs: []int32{100},
				ReadOnly:     true,
			}},
			Params: ctx.Params(),
			Future: []wire.StatementEstimate{{Statement: "GetRow", ParamIndexes: []int32{0}}},
		}); err != nil {
			return err
		}
		_, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{{
				PartitionID:  2,
				FragmentIDs:  []int32{fragRead},
				ParamIndexes: []int32{0},
				OutputDepIDs: []int32{101},
				ReadOnly:     true,
			}},
			Params: ctx.Params(),
		})
		return err
	})
	// SpillPut touches partition 1: a single-partition bet on partition 0
	// mispredicts and restarts multi-partition.
	procs.Register("SpillPut", func(ctx *executor.ProcContext) error {
		_, err := ctx.Run(&dispatch.Batch{
			Fragments: []wire.WorkFragment{
				{PartitionID: 0, FragmentIDs: []int32{fragWrite}, ParamIndexes: []int32{0}, OutputDepIDs: []int32{100}},
				{PartitionID: 1, FragmentIDs: []int32{fragWrite}, ParamIndexes: []int32{0}, OutputDepIDs: []int32{101}},
			},
			Params: ctx.Params(),
		})
		return err
	})

	cfg0 := config.DefaultConfig()
	cfg0.Site.ID = 0
	cfg0.Site.Partitions = []int{0, 1}
	cfg0.Wire.Compression = "lz4"
	cfg0.Executor.TickInterval = time.Hour
	site0, execs0, err := BuildSite(fabric, SiteOptions{
		Config: cfg0, Procs: procs, EngineFactory: factory, Log: log,
	})
	require.NoError(t, err)

	cfg1 := config.DefaultConfig()
	cfg1.Site.ID = 1
	cfg1.Site.Partitions = []int{2}
	cfg1.Wire.Compression = "lz4"
	cfg1.Executor.TickInterval = time.Hour
	site1, execs1, err := BuildSite(fabric, SiteOptions{
		Config: cfg1, Procs: procs, EngineFactory: factory, Log: log,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	for _, e := range append(execs0, execs1...) {
		go e.Run(ctx)
	}
	t.Cleanup(func() {
		cancel()
		fabric.Close()
	})
	return &cluster{
		fabric: fabric, site0: site0, site1: site1,
		engines: engines, readCounts: readCounts, cancel: cancel,
	}
}

func (c *cluster) invoke(t *testing.T, site *Site, raw *workqueue.InitializeRequest) *workqueue.ClientResponse {
	t.Helper()
	ch := make(chan *workqueue.ClientResponse, 4)
	raw.ClientCB = func(r *workqueue.ClientResponse) { ch <- r }
	require.NoError(t, site.Invoke(raw))
	for {
		select {
		case r := <-ch:
			if r.Restarted {
				// The terminal response for the next attempt follows.
				continue
			}
			return r
		case <-time.After(10 * time.Second):
			t.Fatal("no client response")
			return nil
		}
	}
}

func TestSinglePartitionCommit(t *testing.T) {
	c := buildCluster(t)
	resp := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:       "Put",
		Params:          [][]byte{[]byte("T|k1|v1")},
		BasePartition:   0,
		SinglePartition: true,
	})
	require.True(t, resp.OK, "Put failed: %s", resp.Err)
	v, ok := c.engines[0].Row("T", "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	get := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:       "Get",
		Params:          [][]byte{[]byte("T|k1|")},
		BasePartition:   0,
		SinglePartition: true,
		ReadOnly:        true,
	})
	require.True(t, get.OK)
	assert.Equal(t, "v1", string(get.Results[100]))
}

func TestDistributedCommitAcrossSites(t *testing.T) {
	c := buildCluster(t)
	resp := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:           "SpanPut",
		Params:              [][]byte{[]byte("T|dk|dv")},
		BasePartition:       0,
		PredictedPartitions: []int{0, 2},
	})
	require.True(t, resp.OK, "SpanPut failed: %s", resp.Err)

	// The base partition committed before its response went out.
	v0, ok := c.engines[0].Row("T", "dk")
	require.True(t, ok, "base partition write missing")
	assert.Equal(t, "dv", string(v0))

	// Read the remote partition through its own executor: the lock queue
	// orders the read after the distributed finish.
	get := c.invoke(t, c.site1, &workqueue.InitializeRequest{
		Procedure:       "Get",
		Params:          [][]byte{[]byte("T|dk|")},
		BasePartition:   2,
		SinglePartition: true,
		ReadOnly:        true,
	})
	require.True(t, get.OK)
	assert.Equal(t, "dv", string(get.Results[100]))
	assert.Equal(t, 0, c.engines[2].OutstandingUndoRecords(),
		"remote partition must have released its undo tokens")
}

func TestMispredictionRestartsMultiPartition(t *testing.T) {
	c := buildCluster(t)
	resp := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:       "SpillPut",
		Params:          [][]byte{[]byte("T|sp|sv")},
		BasePartition:   0,
		SinglePartition: true,
	})
	require.True(t, resp.OK, "restarted SpillPut failed: %s", resp.Err)

	// Partition 1's commit is ordered before this read by its lock queue.
	get := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:       "Get",
		Params:          [][]byte{[]byte("T|sp|")},
		BasePartition:   1,
		SinglePartition: true,
		ReadOnly:        true,
	})
	require.True(t, get.OK)
	assert.Equal(t, "sv", string(get.Results[100]))

	v, ok := c.engines[0].Row("T", "sp")
	require.True(t, ok, "base partition write missing after restart")
	assert.Equal(t, "sv", string(v))
	assert.False(t, c.fabric.Crashed())
}

func TestHaltRejectsNewWork(t *testing.T) {
	c := buildCluster(t)
	c.site0.Halt()
	// Give the executors a beat to apply the halt flag.
	time.Sleep(10 * time.Millisecond)
	resp := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:       "Put",
		Params:          [][]byte{[]byte("T|hk|hv")},
		BasePartition:   0,
		SinglePartition: true,
	})
	require.False(t, resp.OK)
	if _, ok := c.engines[0].Row("T", "hk"); ok {
		t.Error("halted partition must not execute client work")
	}
}

func TestFutureStatementPrefetch(t *testing.T) {
	c := buildCluster(t)

	// Seed the row on the remote partition.
	seed := c.invoke(t, c.site1, &workqueue.InitializeRequest{
		Procedure:       "Put",
		Params:          [][]byte{[]byte("T|fk|fv")},
		BasePartition:   2,
		SinglePartition: true,
	})
	require.True(t, seed.OK)
	readsAfterSeed := c.readCounts[2].Load()

	resp := c.invoke(t, c.site0, &workqueue.InitializeRequest{
		Procedure:           "PrefetchSpan",
		Params:              [][]byte{[]byte("T|fk|")},
		BasePartition:       0,
		PredictedPartitions: []int{0, 2},
		ReadOnly:            true,
	})
	require.True(t, resp.OK, "PrefetchSpan failed: %s", resp.Err)
	assert.Equal(t, "fv", string(resp.Results[100]), "demanded read lost")
	assert.Equal(t, "fv", string(resp.Results[101]), "prefetched follow-up read lost")

	// The remote partition ran the demanded read plus the speculative one;
	// the follow-up batch was served from the prefetched result, so no
	// third execution happened. The prefetch message is enqueued before the
	// demanded fragment, so its result reaches the base transaction before
	// the first batch's latch opens.
	reads := c.readCounts[2].Load() - readsAfterSeed
	assert.Equal(t, int64(2), reads,
		"partition 2 reads = %d, want demanded + speculative only", reads)
}

func TestPrefetchResultLandsOnLocalTxn(t *testing.T) {
	// Executors stay unstarted: only the coordinator surfaces are under
	// test here.
	log := monitoring.NewLogger("error", "json", nil)
	fabric, err := NewFabric(log, 4)
	require.NoError(t, err)
	t.Cleanup(fabric.Close)

	cfg := config.DefaultConfig()
	cfg.Site.Partitions = []int{0, 2}
	site, _, err := BuildSite(fabric, SiteOptions{
		Config: cfg, Procs: executor.NewRegistry(), Log: log,
	})
	require.NoError(t, err)

	tx, err := site.InitializeTransaction(&workqueue.InitializeRequest{
		Procedure:           "PrefetchSpan",
		Params:              [][]byte{[]byte("T|pk|")},
		BasePartition:       0,
		PredictedPartitions: []int{0, 2},
	})
	require.NoError(t, err)

	params := [][]byte{[]byte("T|pk|")}
	site.TransactionPrefetchResult(tx.ID(), fragRead, 2, params, []byte("pushed"))

	sig := dispatch.FragmentSignature(fragRead, 2, params)
	got, ok := tx.TakePrefetch(sig)
	require.True(t, ok, "pushed result must land on the base site's local transaction")
	assert.Equal(t, "pushed", string(got))
}
