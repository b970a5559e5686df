package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"heronDB/config"
	"heronDB/coordinator"
	"heronDB/dispatch"
	"heronDB/executor"
	"heronDB/monitoring"
	"heronDB/scheduler"
	"heronDB/storage"
	"heronDB/wire"
	"heronDB/workqueue"
)

var (
	// Version is set during build time
	Version = "dev"
	// GitCommit is set during build time
	GitCommit = "unknown"
)

const (
	fragRead  int32 = 1
	fragWrite int32 = 2
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to site configuration (yaml)")
		showVersion = flag.Bool("version", false, "Print version and exit")
		demoTxns    = flag.Int("demo", 0, "Run a demo workload of N transactions before serving")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("heronDB %s (%s, %s)\n", Version, GitCommit, runtime.Version())
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := monitoring.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	log.Info().Int("site", cfg.Site.ID).Ints("partitions", cfg.Site.Partitions).
		Str("version", Version).Msg("starting heronDB site")

	fabric, err := coordinator.NewFabric(log, 4*len(cfg.Site.Partitions))
	if err != nil {
		log.Fatal().Err(err).Msg("fabric init failed")
	}
	defer fabric.Close()

	procs := executor.NewRegistry()
	registerDemoProcedures(procs)

	site, execs, err := coordinator.BuildSite(fabric, coordinator.SiteOptions{
		Config: cfg,
		Procs:  procs,
		EngineFactory: func(p int) storage.Engine {
			return newDemoEngine(p)
		},
		Estimator: scheduler.NewStaticEstimator(),
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("site build failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, e := range execs {
		go e.Run(ctx)
	}

	if *demoTxns > 0 {
		runDemoWorkload(site, cfg, *demoTxns, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	for _, e := range execs {
		e.Shutdown()
	}
}

// newDemoEngine builds an in-memory engine with the demo key-value plan
// fragments. Parameters are "table|key|value" buffers.
func newDemoEngine(partition int) *storage.MemoryEngine {
	e := storage.NewMemoryEngine(partition)
	e.RegisterFragment(fragRead, func(ctx *storage.FragmentCtx) ([]byte, error) {
		table, key, _ := splitParam(ctx.Params)
		v, _ := ctx.Get(table, key)
		return v, nil
	})
	e.RegisterFragment(fragWrite, func(ctx *storage.FragmentCtx) ([]byte, error) {
		table, key, value := splitParam(ctx.Params)
		ctx.Put(table, key, []byte(value))
		return []byte("ok"), nil
	})
	return e
}

func splitParam(b []byte) (table, key, value string) {
	s := string(b)
	first, second := -1, -1
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			if first < 0 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first < 0 {
		return s, "", ""
	}
	if second < 0 {
		return s[:first], s[first+1:], ""
	}
	return s[:first], s[first+1:second], s[second+1:]
}

func registerDemoProcedures(procs *executor.Registry) {
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
}

// runDemoWorkload pushes n single-partition writes round-robin across the
// site's partitions and reports throughput.
func runDemoWorkload(site *coordinator.Site, cfg *config.Config, n int, log zerolog.Logger) {
	done := make(chan struct{}, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		p := cfg.Site.Partitions[i%len(cfg.Site.Partitions)]
		param := fmt.Sprintf("DEMO|k%d|v%d", i, i)
		err := site.Invoke(&workqueue.InitializeRequest{
			Procedure:       "Put",
			Params:          [][]byte{[]byte(param)},
			BasePartition:   p,
			SinglePartition: true,
			InitiateTime:    time.Now(),
			ClientCB: func(r *workqueue.ClientResponse) {
				done <- struct{}{}
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "demo invoke: %v\n", err)
			return
		}
	}
	for i := 0; i < n; i++ {
		<-done
	}
	elapsed := time.Since(start)
	log.Info().Int("txns", n).Dur("elapsed", elapsed).
		Float64("txn_per_sec", float64(n)/elapsed.Seconds()).
		Msg("demo workload complete")
}
