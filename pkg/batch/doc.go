/*
Package batch fans a set of collection jobs out over a bounded worker
pool and folds their outcomes into one run summary.

	             ┌────────────────────────────────┐
	 jobs ──────►│ admission loop (FIFO)          │
	             │   semaphore width = max_concurrent
	             └───────────────┬────────────────┘
	                             │ one goroutine per admitted job
	             ┌───────────────▼────────────────┐
	             │ per-host lock ► runner.Run     │
	             └───────────────┬────────────────┘
	                             ▼
	                    Summary{ByHost, Succeeded, Failed}

Admission happens in the submitting goroutine, so jobs start in the
order they were given as capacity frees up. Two guarantees hold
regardless of width:

  - at most max_concurrent collections run at once, and
  - jobs naming the same host never overlap; a later job for a host
    waits for the earlier one to finish, cleanup included.

Cancelling the run context fails jobs that have not been admitted yet
without touching any host, and running jobs observe the cancel at
their next poll and skip to cleanup. Run returns only after every
worker is done, so a returned Summary is complete.

Progress is published on the event broker (job.queued per intake,
run.summary at the end); per-job phase and terminal events come from
the state machine itself.
*/
package batch
