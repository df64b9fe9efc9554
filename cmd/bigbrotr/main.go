// Command bigbrotr runs one BigBrotr service: sync, priority-sync,
// monitor, finder, or initializer. Flag parsing, the init subcommand,
// and the signal-driven graceful-shutdown shape follow
// sandwichfarm-nophr's cmd/nophr/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/finder"
	"github.com/bigbrotr/bigbrotr/internal/health"
	"github.com/bigbrotr/bigbrotr/internal/httpfetcher"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/monitor"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/relayclient"
	"github.com/bigbrotr/bigbrotr/internal/scheduler"
	"github.com/bigbrotr/bigbrotr/internal/store"
	"github.com/bigbrotr/bigbrotr/internal/sync"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		service    = flag.String("service", "", "Service to run: sync|priority-sync|monitor|finder|initializer")
		configPath = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *service == "" || *configPath == "" {
		fmt.Println("bigbrotr - Nostr relay-network archiver")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  bigbrotr init                                  Generate example configuration")
		fmt.Println("  bigbrotr --service <name> --config <path>      Run a service")
		fmt.Println()
		fmt.Println("Services: sync, priority-sync, monitor, finder, initializer")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(*service, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}

func run(service string, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger := ops.NewLogger(cfg.Logging)
	logger.LogStartup(service, version, map[string]any{"workers": cfg.Scheduler.Workers})

	st, err := store.Open(store.Config{
		DSN:             cfg.Database.DSN(),
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		PageSize:        cfg.Database.PageSize,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeMins) * time.Minute,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.New(fmt.Sprintf("%s:%d", cfg.Health.Bind, cfg.Health.Port), st, cfg.Health.BearerToken)
		go func() {
			if err := healthSrv.ListenAndServe(ctx); err != nil {
				logger.Warn("health server exited", "error", err)
			}
		}()
	}

	fetcher, err := httpfetcher.New(cfg.Relays.Socks5Addr, time.Duration(cfg.Relays.ConnectTimeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("build http fetcher: %w", err)
	}

	logPriorCheckpoint(ctx, st, logger, service)

	switch service {
	case "initializer":
		return runInitializer(ctx, cfg, st)
	case "sync":
		return runSyncService(ctx, "sync", cfg, st, logger, healthSrv, syncScheduleConfig(cfg), prioritySet(cfg.PrioritySync.Relays), time.Duration(cfg.Sync.LoopIntervalSeconds)*time.Second)
	case "priority-sync":
		return runPrioritySyncService(ctx, cfg, st, logger, healthSrv)
	case "monitor":
		return runMonitorService(ctx, cfg, st, logger, healthSrv, fetcher)
	case "finder":
		return runFinderService(ctx, cfg, st, logger, healthSrv, fetcher)
	default:
		return fmt.Errorf("unknown service %q", service)
	}
}

func prioritySet(urls []string) map[string]struct{} {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set
}

func syncScheduleConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Workers:              cfg.Scheduler.Workers,
		ConcurrencyPerWorker: cfg.Scheduler.ConcurrencyPerWorker,
		MaxEmptyPolls:        cfg.Scheduler.MaxEmptyPolls,
		GraceDeadline:        time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
		LoopInterval:         time.Duration(cfg.Sync.LoopIntervalSeconds) * time.Second,
	}
}

func runInitializer(ctx context.Context, cfg *config.Config, st *store.Store) error {
	now := time.Now()
	seeded := 0
	for _, seed := range cfg.Relays.Seeds {
		relay, err := model.NewRelay(seed, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip invalid seed %q: %v\n", seed, err)
			continue
		}
		if err := st.UpsertRelay(ctx, relay); err != nil {
			return fmt.Errorf("seed relay %s: %w", seed, err)
		}
		seeded++
	}
	fmt.Printf("initialized schema and %d seed relays\n", seeded)
	return nil
}

// runSyncService drives the exhaustive window-sync engine over the
// working set of relays not marked unreadable, excluding any relay the
// priority scheduler owns.
func runSyncService(ctx context.Context, name string, cfg *config.Config, st *store.Store, logger *ops.Logger, healthSrv *health.Server, schedCfg scheduler.Config, exclude map[string]struct{}, loopInterval time.Duration) error {
	engine := sync.New(st, logger, cfg.Sync.PaginationLoopGuard, cfg.Sync.BatchMin)
	engine.SetEventsPerSecond(cfg.Sync.EventsPerSecondPerRelay)
	sched := scheduler.New(name, schedCfg, logger)

	producer := func(ctx context.Context) (<-chan model.Relay, <-chan error) {
		return st.ListRelaysForSync(ctx, exclude)
	}

	task := func(ctx context.Context, relay model.Relay) error {
		client := relayclient.New(relay.URL, proxyFor(relay, cfg))
		since, err := st.GetLastSeenCreatedAt(ctx, relay.URL)
		if err != nil {
			return fmt.Errorf("load cursor for %s: %w", relay.URL, err)
		}
		sinceVal := int64(0)
		if since != nil {
			sinceVal = *since + 1
		}
		batchCap := resolveBatchCap(ctx, st, relay.URL, cfg.Sync.BatchMax)
		filter := model.Filter{Since: sinceVal, Until: time.Now().Unix(), Limit: batchCap}
		deadline := time.Now().Add(time.Duration(cfg.Sync.DeadlineSeconds) * time.Second)
		_, err = engine.Sync(ctx, client, filter, batchCap, deadline)
		return err
	}

	sched.Run(ctx, withEnqueueMark(producer, healthSrv), task, checkpoint(ctx, st, name))
	return nil
}

// runPrioritySyncService runs the same engine over a fixed, operator-
// configured relay list on its own (typically tighter) loop interval.
func runPrioritySyncService(ctx context.Context, cfg *config.Config, st *store.Store, logger *ops.Logger, healthSrv *health.Server) error {
	engine := sync.New(st, logger, cfg.Sync.PaginationLoopGuard, cfg.Sync.BatchMin)
	engine.SetEventsPerSecond(cfg.Sync.EventsPerSecondPerRelay)
	schedCfg := scheduler.Config{
		Workers:              cfg.Scheduler.Workers,
		ConcurrencyPerWorker: cfg.Scheduler.ConcurrencyPerWorker,
		MaxEmptyPolls:        cfg.Scheduler.MaxEmptyPolls,
		GraceDeadline:        time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
		LoopInterval:         time.Duration(cfg.PrioritySync.LoopIntervalSeconds) * time.Second,
	}
	sched := scheduler.New("priority-sync", schedCfg, logger)

	producer := func(ctx context.Context) (<-chan model.Relay, <-chan error) {
		out := make(chan model.Relay, len(cfg.PrioritySync.Relays))
		errc := make(chan error, 1)
		now := time.Now()
		for _, u := range cfg.PrioritySync.Relays {
			relay, err := model.NewRelay(u, now)
			if err != nil {
				continue
			}
			out <- relay
		}
		close(out)
		errc <- nil
		return out, errc
	}

	task := func(ctx context.Context, relay model.Relay) error {
		client := relayclient.New(relay.URL, proxyFor(relay, cfg))
		since, err := st.GetLastSeenCreatedAt(ctx, relay.URL)
		if err != nil {
			return fmt.Errorf("load cursor for %s: %w", relay.URL, err)
		}
		sinceVal := int64(0)
		if since != nil {
			sinceVal = *since + 1
		}
		batchCap := resolveBatchCap(ctx, st, relay.URL, cfg.Sync.BatchMax)
		filter := model.Filter{Since: sinceVal, Until: time.Now().Unix(), Limit: batchCap}
		deadline := time.Now().Add(time.Duration(cfg.Sync.DeadlineSeconds) * time.Second)
		_, err = engine.Sync(ctx, client, filter, batchCap, deadline)
		return err
	}

	sched.Run(ctx, withEnqueueMark(producer, healthSrv), task, checkpoint(ctx, st, "priority-sync"))
	return nil
}

// resolveBatchCap clamps the configured batch ceiling to the relay's
// advertised NIP-11 limitation.max_limit, when one is known. A relay
// that has never been probed, or never advertised a limit, falls back
// to configMax.
func resolveBatchCap(ctx context.Context, st *store.Store, relayURL string, configMax int) int {
	maxLimit, err := st.LatestMaxLimit(ctx, relayURL)
	if err != nil || maxLimit == nil || *maxLimit <= 0 {
		return configMax
	}
	if *maxLimit < configMax {
		return *maxLimit
	}
	return configMax
}

// withEnqueueMark wraps producer so the health server's readiness gate
// only flips once the first relay of a working set has actually come
// out of the producer's stream, instead of at scheduler construction —
// a process that dies before its first producer call, or whose working
// set is empty, must still report not-ready.
func withEnqueueMark(producer scheduler.Producer, healthSrv *health.Server) scheduler.Producer {
	if healthSrv == nil {
		return producer
	}
	return func(ctx context.Context) (<-chan model.Relay, <-chan error) {
		in, errc := producer(ctx)
		out := make(chan model.Relay)
		go func() {
			defer close(out)
			for r := range in {
				healthSrv.MarkEnqueued()
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, errc
	}
}

func runMonitorService(ctx context.Context, cfg *config.Config, st *store.Store, logger *ops.Logger, healthSrv *health.Server, fetcher *httpfetcher.Fetcher) error {
	prober := monitor.New(fetcher, st, logger)
	schedCfg := scheduler.Config{
		Workers:              cfg.Scheduler.Workers,
		ConcurrencyPerWorker: cfg.Scheduler.ConcurrencyPerWorker,
		MaxEmptyPolls:        cfg.Scheduler.MaxEmptyPolls,
		GraceDeadline:        time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
		LoopInterval:         time.Duration(cfg.Monitor.LoopIntervalSeconds) * time.Second,
	}
	sched := scheduler.New("monitor", schedCfg, logger)

	producer := func(ctx context.Context) (<-chan model.Relay, <-chan error) {
		cutoff := time.Now().Add(-time.Duration(cfg.Monitor.FreshnessSeconds) * time.Second).Unix()
		return st.ListRelaysForMetadata(ctx, cutoff)
	}

	task := func(ctx context.Context, relay model.Relay) error {
		deadline := time.Duration(cfg.Monitor.ProbeTimeoutSeconds) * 2 * time.Second
		probeCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		client := relayclient.New(relay.URL, proxyFor(relay, cfg))
		return prober.Probe(probeCtx, client, time.Now())
	}

	sched.Run(ctx, withEnqueueMark(producer, healthSrv), task, checkpoint(ctx, st, "monitor"))
	return nil
}

// runFinderService is not a per-relay scheduler: discover() operates
// on the whole stored relay-list event stream in one pass, so it
// loops directly on its configured interval instead of going through
// the N-worker relay scheduler.
func runFinderService(ctx context.Context, cfg *config.Config, st *store.Store, logger *ops.Logger, healthSrv *health.Server, fetcher *httpfetcher.Fetcher) error {
	f := finder.New(st, fetcher, logger, cfg.Finder.DirectoryAPIs, cfg.Finder.BlockedHosts)
	interval := time.Duration(cfg.Finder.LoopIntervalSeconds) * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		result, err := f.Discover(ctx)
		if err != nil {
			logger.Warn("finder discover failed", "error", err)
		} else {
			logger.LogDiscovery("finder", "", true, fmt.Sprintf("accepted=%d rejected=%d", result.Accepted, result.Rejected))
		}
		if healthSrv != nil {
			healthSrv.MarkEnqueued()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// serviceCheckpoint is the ServiceState blob shape persisted after
// each scheduler iteration: enough for an operator (or a future
// resume-aware producer) to see when a service last ran and how its
// last pass went, per spec §4.2's checkpoint requirement.
type serviceCheckpoint struct {
	LastRunUnix int64 `json:"last_run_unix"`
	Claimed     int   `json:"claimed"`
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
}

// logPriorCheckpoint logs the last persisted ServiceState for service,
// if any, so an operator restarting the process can see when it last
// made progress. This is informational only: the sync engine's actual
// resume point comes from the per-relay watermark in Store, not from
// this blob.
func logPriorCheckpoint(ctx context.Context, st *store.Store, logger *ops.Logger, service string) {
	blob, ok, err := st.LoadServiceState(ctx, service)
	if err != nil || !ok {
		return
	}
	var prior serviceCheckpoint
	if err := json.Unmarshal(blob, &prior); err != nil {
		return
	}
	logger.Info("resuming service with prior checkpoint",
		"service", service,
		"last_run_unix", prior.LastRunUnix,
		"claimed", prior.Claimed,
		"succeeded", prior.Succeeded,
		"failed", prior.Failed)
}

// checkpoint builds the onIteration callback that persists a
// serviceCheckpoint for name after every scheduler iteration,
// exercising Store's ServiceState contract (otherwise dead code).
func checkpoint(ctx context.Context, st *store.Store, name string) func(scheduler.IterationReport) {
	return func(report scheduler.IterationReport) {
		blob, err := json.Marshal(serviceCheckpoint{
			LastRunUnix: time.Now().Unix(),
			Claimed:     report.Claimed,
			Succeeded:   report.Succeeded,
			Failed:      report.Failed,
		})
		if err != nil {
			return
		}
		_ = st.SaveServiceState(ctx, name, blob, time.Now().Unix())
	}
}

func proxyFor(relay model.Relay, cfg *config.Config) string {
	if relay.Network == model.NetworkTor {
		return cfg.Relays.Socks5Addr
	}
	return ""
}
