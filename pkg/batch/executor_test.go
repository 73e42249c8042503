package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/types"
)

// fakeRunner stands in for the collection state machine. It tracks
// concurrency high-water marks and per-host overlap so the tests can
// assert the executor's two guarantees directly.
type fakeRunner struct {
	mu          sync.Mutex
	jobs        []*types.Job
	active      int
	high        int
	perHost     map[string]int
	hostOverlap bool

	delay   time.Duration
	block   bool // hold until ctx is cancelled
	onRun   func()
	outcome func(job *types.Job) *types.Outcome
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{perHost: map[string]int{}}
}

func (f *fakeRunner) Run(ctx context.Context, job *types.Job) *types.Outcome {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.active++
	if f.active > f.high {
		f.high = f.active
	}
	f.perHost[job.Hostname]++
	if f.perHost[job.Hostname] > 1 {
		f.hostOverlap = true
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.perHost[job.Hostname]--
		f.mu.Unlock()
	}()

	if f.onRun != nil {
		f.onRun()
	}
	if f.block {
		<-ctx.Done()
		return &types.Outcome{
			JobID: job.ID, Hostname: job.Hostname, Tool: job.Tool,
			Result: types.ResultFailure, Phase: types.PhaseRunMonitor,
			Kind: types.FailureCancelled, Detail: "cancelled mid-run",
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.outcome != nil {
		return f.outcome(job)
	}
	return &types.Outcome{
		JobID: job.ID, Hostname: job.Hostname, Tool: job.Tool,
		Result: types.ResultSuccess, Phase: types.PhaseDone,
	}
}

func (f *fakeRunner) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeRunner) highWater() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.high
}

func kapeJobs(n int) []*types.Job {
	jobs := make([]*types.Job, n)
	for i := range jobs {
		jobs[i] = &types.Job{Hostname: fmt.Sprintf("WIN-%d", i+1), Tool: types.ToolKape}
	}
	return jobs
}

func TestExecutorRunsAllJobs(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 5 * time.Millisecond
	e := NewExecutor(runner, nil, 2)

	before := testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("kape", "success"))
	summary := e.Run(context.Background(), kapeJobs(5))

	require.NotNil(t, summary)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.ByHost, 5)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 5, runner.seen())
	assert.LessOrEqual(t, runner.highWater(), 2, "fan-out exceeded its width")

	after := testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("kape", "success"))
	assert.InDelta(t, 5, after-before, 0.001)

	for host, out := range summary.ByHost {
		assert.Equal(t, types.ResultSuccess, out.Result, host)
		assert.NotEmpty(t, out.JobID, host)
	}
}

func TestExecutorPerHostExclusivity(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 10 * time.Millisecond
	e := NewExecutor(runner, nil, 10)

	jobs := []*types.Job{
		{Hostname: "WIN-1", Tool: types.ToolKape},
		{Hostname: "WIN-1", Tool: types.ToolBrowserHistory},
		{Hostname: "WIN-1", Tool: types.ToolKape},
		{Hostname: "WIN-2", Tool: types.ToolKape},
	}
	summary := e.Run(context.Background(), jobs)

	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 4, runner.seen())
	assert.False(t, runner.hostOverlap, "two jobs ran on one host at the same time")
}

func TestExecutorCancellation(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	e := NewExecutor(runner, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	runner.onRun = func() { once.Do(func() { close(started) }) }
	go func() {
		<-started
		cancel()
	}()

	summary := e.Run(ctx, kapeJobs(4))

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 4, summary.Failed)
	// width 1: only the first job was admitted before the cancel
	assert.Equal(t, 1, runner.seen())

	rejected := 0
	for _, out := range summary.ByHost {
		assert.Equal(t, types.FailureCancelled, out.Kind)
		if out.Detail == "batch cancelled before start" {
			rejected++
			assert.Equal(t, types.PhaseInit, out.Phase)
		}
	}
	assert.Equal(t, 3, rejected)
}

func TestExecutorEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	runner := newFakeRunner()
	e := NewExecutor(runner, broker, 2)

	summary := e.Run(context.Background(), kapeJobs(2))
	require.Equal(t, 2, summary.Succeeded)

	var queued int
	var summaryDetail string
	deadline := time.After(2 * time.Second)
	for summaryDetail == "" {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.EventJobQueued:
				queued++
				assert.NotEmpty(t, ev.JobID)
			case events.EventRunSummary:
				summaryDetail = ev.Detail
			}
		case <-deadline:
			t.Fatal("no run.summary event")
		}
	}
	assert.Equal(t, 2, queued)
	assert.Contains(t, summaryDetail, "2 succeeded, 0 failed")
}

func TestExecutorActiveDuringRun(t *testing.T) {
	runner := newFakeRunner()
	e := NewExecutor(runner, nil, 1)

	var observed int
	runner.onRun = func() { observed = e.Active() }

	e.Run(context.Background(), kapeJobs(1))

	assert.Equal(t, 1, observed, "Active while a job runs")
	assert.Equal(t, 0, e.Active(), "Active after the run")
}

func TestExecutorDefaultWidth(t *testing.T) {
	runner := newFakeRunner()
	e := NewExecutor(runner, nil, 0)

	summary := e.Run(context.Background(), kapeJobs(3))

	assert.Equal(t, 3, summary.Succeeded)
}

func TestExecutorEmptyBatch(t *testing.T) {
	e := NewExecutor(newFakeRunner(), nil, 4)

	summary := e.Run(context.Background(), nil)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.ByHost)
}
