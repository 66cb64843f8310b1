// Package scheduler registers schedules and computes trigger times (cron or
// fixed interval). Execution is delegated to internal/task/engine: a trigger
// only enqueues a task.
package scheduler
