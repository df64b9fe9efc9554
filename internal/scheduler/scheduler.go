// Package scheduler runs one of {sync, priority-sync, monitor} as a
// long-lived service: it selects a working set of relays each
// iteration, shards them across N workers, bounds per-worker
// concurrency with a semaphore, and owns graceful shutdown.
//
// The worker-count/cancellation shape follows sandwichfarm-nophr's
// internal/sync.Engine (a context.WithCancel paired with a
// sync.WaitGroup the teacher uses to join its background goroutines
// on Stop); this package generalizes that single-engine pattern into
// N·K parallel relay tasks. golang.org/x/sync/semaphore bounds
// per-worker concurrency — it's already in the module graph via the
// teacher's own indirect dependency tree and is the standard
// ecosystem primitive for a weighted concurrency gate, used here
// instead of a hand-rolled buffered-channel token pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// TaskFunc processes one relay. It must return promptly once ctx is
// done: the scheduler's grace deadline depends on that.
type TaskFunc func(ctx context.Context, relay model.Relay) error

// Producer yields the working set for one iteration as a stream, the
// same shape Store's list_* operations return.
type Producer func(ctx context.Context) (<-chan model.Relay, <-chan error)

// Config controls scheduler behavior. Zero values fall back to the
// spec defaults applied by New.
type Config struct {
	Workers              int
	ConcurrencyPerWorker int
	MaxEmptyPolls        int
	GraceDeadline        time.Duration
	PollInterval         time.Duration
	LoopInterval         time.Duration

	// FailureRateThreshold and FailureRateMinRelays gate the §7
	// high-severity alert: an iteration only triggers it once at
	// least FailureRateMinRelays relays were claimed and the
	// failed/claimed ratio exceeds FailureRateThreshold.
	FailureRateThreshold float64
	FailureRateMinRelays int
}

// IterationReport summarizes one full pass over the working set.
type IterationReport struct {
	Claimed   int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Scheduler runs iterations of {produce working set, run tasks,
// sleep} until its context is cancelled.
type Scheduler struct {
	serviceName string
	cfg         Config
	logger      *ops.Logger
}

// New builds a Scheduler for serviceName (used in log lines and,
// typically, as the ServiceState key). Zero-valued Config fields take
// the spec defaults: workers=4, concurrency_per_worker=10,
// max_empty_polls=5, grace=30s, poll_interval=1s, loop_interval=15m.
func New(serviceName string, cfg Config, logger *ops.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ConcurrencyPerWorker <= 0 {
		cfg.ConcurrencyPerWorker = 10
	}
	if cfg.MaxEmptyPolls <= 0 {
		cfg.MaxEmptyPolls = 5
	}
	if cfg.GraceDeadline <= 0 {
		cfg.GraceDeadline = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 15 * time.Minute
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.10
	}
	if cfg.FailureRateMinRelays <= 0 {
		cfg.FailureRateMinRelays = 100
	}
	return &Scheduler{serviceName: serviceName, cfg: cfg, logger: logger.WithComponent("scheduler")}
}

// Run loops iterations until ctx is cancelled (typically by a
// SIGTERM/SIGINT handler). onIteration, if non-nil, is called after
// every completed iteration with that iteration's report — callers use
// it to persist ServiceState. It runs after the iteration's tasks have
// finished, outside any of their Store transactions, so what it writes
// is committed separately from the iteration's own Store writes.
func (s *Scheduler) Run(ctx context.Context, produce Producer, task TaskFunc, onIteration func(IterationReport)) {
	for {
		if ctx.Err() != nil {
			s.logger.LogSchedulerShutdown(s.serviceName, 0, false)
			return
		}

		report := s.runIteration(ctx, produce, task)
		s.logger.LogSchedulerIteration(s.serviceName, report.Claimed, report.Succeeded, report.Failed, report.Duration)
		if report.Claimed >= s.cfg.FailureRateMinRelays {
			rate := float64(report.Failed) / float64(report.Claimed)
			if rate > s.cfg.FailureRateThreshold {
				s.logger.LogHighFailureRate(s.serviceName, report.Claimed, report.Failed, rate, s.cfg.FailureRateThreshold)
			}
		}
		if onIteration != nil {
			onIteration(report)
		}

		select {
		case <-ctx.Done():
			s.logger.LogSchedulerShutdown(s.serviceName, 0, false)
			return
		case <-time.After(s.cfg.LoopInterval):
		}
	}
}

// runIteration drains one Producer stream through N·K concurrent
// tasks and returns once every claimed item has finished. Tasks run
// under a child of ctx, so they see ctx's cancellation directly.
func (s *Scheduler) runIteration(ctx context.Context, produce Producer, task TaskFunc) IterationReport {
	start := time.Now()
	report := IterationReport{}
	var reportMu sync.Mutex

	iterCtx, cancelIter := context.WithCancel(ctx)
	defer cancelIter()

	relays, errs := produce(iterCtx)
	work := make(chan model.Relay, s.cfg.Workers*s.cfg.ConcurrencyPerWorker)

	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		defer close(work)
		for r := range relays {
			select {
			case work <- r:
			case <-iterCtx.Done():
				return
			}
		}
	}()

	var workersWG sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		workersWG.Add(1)
		go s.runWorker(iterCtx, &workersWG, work, task, &report, &reportMu)
	}

	// Join workers with a grace deadline. iterCtx is a child of ctx, so
	// in-flight tasks are already cancelled when ctx is. If the workers
	// still haven't finished within GraceDeadline of that, the forced
	// shutdown is logged and the join keeps waiting for them: a task
	// that ignores its context is not stopped.
	done := make(chan struct{})
	go func() {
		workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(s.cfg.GraceDeadline):
			cancelIter()
			s.logger.LogSchedulerShutdown(s.serviceName, s.cfg.Workers, true)
			<-done
		}
	}

	// Workers can return on their own (MaxEmptyPolls exhausted) while
	// the producer is still mid-stream. Cancel here, before joining the
	// producer, so it unblocks out of its `work <- r` send instead of
	// blocking forever against a channel nothing is draining anymore.
	cancelIter()
	producerWG.Wait()
	if err := <-errs; err != nil {
		s.logger.Warn("producer stream failed", "service", s.serviceName, "error", err)
	}

	report.Duration = time.Since(start)
	return report
}

// runWorker pulls relays off work and runs task on up to
// ConcurrencyPerWorker of them concurrently, gated by a semaphore
// allocated once per worker (not once per chunk): the concurrency
// budget is the worker's for its whole lifetime, matching the design
// note that a per-task semaphore allocation would let a burst of
// short tasks starve a burst of long ones.
func (s *Scheduler) runWorker(ctx context.Context, wg *sync.WaitGroup, work <-chan model.Relay, task TaskFunc, report *IterationReport, reportMu *sync.Mutex) {
	defer wg.Done()

	sem := semaphore.NewWeighted(int64(s.cfg.ConcurrencyPerWorker))
	var tasksWG sync.WaitGroup
	emptyPolls := 0

	for {
		select {
		case <-ctx.Done():
			tasksWG.Wait()
			return
		case relay, ok := <-work:
			if !ok {
				tasksWG.Wait()
				return
			}
			emptyPolls = 0

			if err := sem.Acquire(ctx, 1); err != nil {
				tasksWG.Wait()
				return
			}
			reportMu.Lock()
			report.Claimed++
			reportMu.Unlock()

			tasksWG.Add(1)
			go func(r model.Relay) {
				defer tasksWG.Done()
				defer sem.Release(1)
				err := task(ctx, r)
				reportMu.Lock()
				if err != nil {
					report.Failed++
				} else {
					report.Succeeded++
				}
				reportMu.Unlock()
			}(relay)

		case <-time.After(s.cfg.PollInterval):
			emptyPolls++
			if emptyPolls >= s.cfg.MaxEmptyPolls {
				tasksWG.Wait()
				return
			}
		}
	}
}
