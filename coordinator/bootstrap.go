package coordinator

import (
	"fmt"

	"github.com/rs/zerolog"

	"heronDB/compression"
	"heronDB/config"
	"heronDB/conflict"
	"heronDB/dispatch"
	"heronDB/executor"
	"heronDB/lockqueue"
	"heronDB/monitoring"
	"heronDB/scheduler"
	"heronDB/storage"
	"heronDB/undo"
	"heronDB/workqueue"
)

// SiteOptions collects everything BuildSite needs beyond the fabric.
type SiteOptions struct {
	Config *config.Config
	Procs  *executor.Registry
	// Checker is shared by every partition's speculative scheduler.
	Checker conflict.Checker
	// Estimator feeds the scheduler policies and the undo fast path.
	Estimator scheduler.Estimator
	// EngineFactory builds the storage engine for one partition.
	EngineFactory func(partition int) storage.Engine
	Log           zerolog.Logger
}

// BuildSite constructs a site's executors from configuration and registers
// them with the fabric. Executors are returned unstarted; call Run on each.
func BuildSite(f *Fabric, opts SiteOptions) (*Site, []*executor.Executor, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	algo, err := compression.ParseAlgorithm(cfg.Wire.Compression)
	if err != nil {
		return nil, nil, err
	}
	codec, err := compression.NewCodec(algo)
	if err != nil {
		return nil, nil, err
	}
	policy, err := scheduler.ParsePolicy(cfg.Speculation.Policy)
	if err != nil {
		return nil, nil, err
	}
	if opts.EngineFactory == nil {
		opts.EngineFactory = func(p int) storage.Engine { return storage.NewMemoryEngine(p) }
	}
	if opts.Estimator == nil {
		opts.Estimator = scheduler.NewStaticEstimator()
	}
	if opts.Checker == nil {
		opts.Checker = conflict.NewTableChecker()
	}

	locks := lockqueue.NewSiteManager(cfg.Site.Partitions)
	site := f.AddSite(cfg.Site.ID, codec, locks)

	execs := make([]*executor.Executor, 0, len(cfg.Site.Partitions))
	for _, p := range cfg.Site.Partitions {
		engine := opts.EngineFactory(p)
		if engine == nil {
			return nil, nil, fmt.Errorf("engine factory returned nil for partition %d", p)
		}
		queue := workqueue.NewQueue(cfg.Executor.WorkQueueDepth)
		undoMgr := undo.NewManager(p, cfg.Executor.ForceUndo)
		sched := scheduler.New(p, scheduler.Config{
			Policy:          policy,
			Window:          cfg.Speculation.Window,
			SenseDtxnChange: cfg.Speculation.SenseDtxnChange,
			SenseSizeChange: cfg.Speculation.SenseSizeChange,
		}, opts.Checker, opts.Estimator, queue.Arrivals)

		cache, err := dispatch.NewPrefetchCache(cfg.Wire.PrefetchCache)
		if err != nil {
			return nil, nil, err
		}
		disp := dispatch.New(p, cfg.Site.ID, engine, codec, site, site, cache, dispatch.Config{
			ResponseTimeout: cfg.Executor.ResponseTimeout,
		})

		e := executor.New(p, cfg.Site.ID, executor.Config{
			PollTimeout:        cfg.Executor.PollTimeout,
			TickInterval:       cfg.Executor.TickInterval,
			SpeculationEnabled: cfg.Speculation.Enabled,
		}, executor.Deps{
			Engine:     engine,
			Locks:      locks,
			Queue:      queue,
			UndoMgr:    undoMgr,
			Scheduler:  sched,
			Estimator:  opts.Estimator,
			Dispatcher: disp,
			Coord:      site,
			Procs:      opts.Procs,
			Metrics:    &monitoring.ExecutorMetrics{},
			Log:        monitoring.PartitionLogger(opts.Log, cfg.Site.ID, p),
		})
		site.AddExecutor(p, e)
		execs = append(execs, e)
	}
	return site, execs, nil
}
