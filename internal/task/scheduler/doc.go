// Package scheduler parses refresh schedules and triggers recurring
// maintenance jobs (reconcile, state flush) into the worker pool.
//
// It only decides when; execution happens in the task engine.
package scheduler
