// Package engine is the in-process job queue that drives sandboxed
// executions. It claims waiting jobs from the store, runs them through their
// registered handler, tracks every in-flight execution in a Registry so it can
// be cancelled, and records the outcome when the execution settles.
package engine
