package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/types"
)

// Runner drives one collection to its outcome
type Runner interface {
	Run(ctx context.Context, job *types.Job) *types.Outcome
}

// Executor fans a batch of jobs out over a bounded worker set. Jobs are
// admitted in submission order as slots free up; jobs naming the same
// host serialize against each other regardless of width.
type Executor struct {
	runner Runner
	broker *events.Broker
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu        sync.Mutex
	hostLocks map[string]*sync.Mutex

	active atomic.Int64
}

// NewExecutor builds an executor with the given fan-out width. The
// broker may be nil when nothing observes progress.
func NewExecutor(runner Runner, broker *events.Broker, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	return &Executor{
		runner:    runner,
		broker:    broker,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		hostLocks: map[string]*sync.Mutex{},
		logger:    log.WithComponent("batch"),
	}
}

// Active reports the number of jobs currently being driven
func (e *Executor) Active() int {
	return int(e.active.Load())
}

// Run drives every job to an outcome and aggregates them. It returns
// when all workers have finished, cleanup included; cancelling ctx
// fails not-yet-admitted jobs immediately and running ones at their
// next poll.
func (e *Executor) Run(ctx context.Context, jobs []*types.Job) *types.Summary {
	started := time.Now()
	summary := &types.Summary{
		RunID:     uuid.New().String(),
		ByHost:    map[string]*types.Outcome{},
		StartedAt: started,
	}
	e.logger.Info().
		Str("run_id", summary.RunID).
		Int("jobs", len(jobs)).
		Msg("Batch run starting")

	results := make([]*types.Outcome, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		e.publish(&events.Event{
			Type:     events.EventJobQueued,
			JobID:    job.ID,
			Hostname: job.Hostname,
			Tool:     job.Tool,
			Time:     time.Now(),
		})

		// admission in submission order: the semaphore is taken here,
		// not in the worker
		if err := e.sem.Acquire(ctx, 1); err != nil {
			results[i] = e.rejected(job)
			continue
		}
		wg.Add(1)
		go func(i int, job *types.Job) {
			defer wg.Done()
			defer e.sem.Release(1)
			results[i] = e.runOne(ctx, job)
		}(i, job)
	}
	wg.Wait()

	for _, out := range results {
		if out == nil {
			continue
		}
		summary.ByHost[out.Hostname] = out
		if out.Result == types.ResultSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.Elapsed = time.Since(started)

	e.publish(&events.Event{
		Type:   events.EventRunSummary,
		Detail: fmt.Sprintf("%d succeeded, %d failed of %d", summary.Succeeded, summary.Failed, len(jobs)),
		Time:   time.Now(),
	})
	e.logger.Info().
		Str("run_id", summary.RunID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Batch run finished")
	return summary
}

func (e *Executor) runOne(ctx context.Context, job *types.Job) *types.Outcome {
	unlock := e.lockHost(job.Hostname)
	defer unlock()

	e.active.Add(1)
	defer e.active.Add(-1)

	out := e.runner.Run(ctx, job)
	metrics.JobsTotal.WithLabelValues(string(job.Tool), string(out.Result)).Inc()
	return out
}

// lockHost serializes jobs against one host. Two collections in the
// same workspace would destroy each other's artifacts.
func (e *Executor) lockHost(hostname string) func() {
	e.mu.Lock()
	l, ok := e.hostLocks[hostname]
	if !ok {
		l = &sync.Mutex{}
		e.hostLocks[hostname] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// rejected records a job the cancelled batch never started
func (e *Executor) rejected(job *types.Job) *types.Outcome {
	now := time.Now()
	out := &types.Outcome{
		JobID:      job.ID,
		Hostname:   job.Hostname,
		Tool:       job.Tool,
		Result:     types.ResultFailure,
		Phase:      types.PhaseInit,
		Kind:       types.FailureCancelled,
		Detail:     "batch cancelled before start",
		StartedAt:  now,
		FinishedAt: now,
	}
	metrics.JobsTotal.WithLabelValues(string(job.Tool), string(out.Result)).Inc()
	e.publish(&events.Event{
		Type:     events.EventJobFailed,
		JobID:    job.ID,
		Hostname: job.Hostname,
		Tool:     job.Tool,
		Phase:    out.Phase,
		Detail:   out.Detail,
		Time:     now,
	})
	return out
}

func (e *Executor) publish(ev *events.Event) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(ev)
}
