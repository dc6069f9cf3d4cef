// Package master implements the taskfarm controller: the worker pool, the
// worker-task matcher, the result store and the scheduler whose dispatch loop
// drives tasks through backend adapters until every task is terminal.
//
// A single goroutine owns the pool, the queue and all live assignments.
// Callers talk to it through Submit, Cancel and Finalize, and read results
// through the ResultStore, which never blocks on the loop.
package master
