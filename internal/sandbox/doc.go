// Package sandbox runs job handlers inside pooled worker processes.
//
// A Pool owns every worker process. Each worker is bound to one handler
// program for its whole life and serves one execution at a time. An
// Execution drives a single job through the frame protocol on a retained
// worker and can be cancelled at any point, in which case the worker is
// killed rather than returned to the pool.
package sandbox
