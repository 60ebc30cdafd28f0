// Package workflow drives checkpointed deployments and upgrades of the
// diamond.
//
// Each workflow type walks the step sequence the steps package defines for
// it. Before a step runs, the checkpoint's current step is set to its index;
// after it succeeds, the checkpoint advances and is saved. A step whose data
// is already recorded is skipped, which is what makes resuming safe.
//
// # Step Kinds
//
// Mandatory steps halt the run on error. The failure is recorded in the
// checkpoint, which is saved with status failed, and a *StepError is
// returned.
//
// Fan-out steps act on independent targets (proxies). Each target gets its
// own outcome in the checkpoint; a failed target does not stop the others
// and does not fail the run unless FailOnAllTargetsFailed is set and every
// target failed.
//
// # Concurrency
//
// Facet deployments and fan-out targets run concurrently up to BatchSize.
// The checkpoint is saved only after a whole batch has settled.
package workflow
