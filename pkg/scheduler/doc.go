// Package scheduler drives asynchronous process work forward.
//
// A Scheduler polls a job queue on a fixed interval, claims a bounded batch
// of ready jobs and executes them through an api.JobExecutor, usually the
// process engine. Jobs of one batch run in chunks of Concurrency; a tick
// that fires while the previous batch is still running is skipped.
//
// # Job outcomes
//
// The executor's result decides what happens to a claimed job:
//
//   - nil: the job is done
//   - api.ErrDeferred: the job goes back to the queue without using an attempt
//   - api.ErrJobObsolete: the job is done, nothing was left to do
//   - any other error: the attempt failed; the queue schedules a retry with
//     backoff or, once MaxAttempts is reached, marks the job dead and the
//     executor's JobDead hook runs
//
// Claiming is atomic in every job store, so several schedulers may poll the
// same queue.
//
// # Maintenance
//
// Start re-queues jobs that were left running by a crashed process. Every
// CleanupInterval the scheduler purges done jobs older than Retention;
// queued, running and dead jobs are never purged.
//
// # Observability
//
// Every execution is reported to the configured api.Observer, and Stats
// exposes in-memory counters (ticks, executions, failures, dead jobs,
// average execution time).
package scheduler
