// Package scheduler is the cooperative task scheduler.
//
// Work is submitted as Tasks identified by (kind, instance). A Scheduler
// decides when each task may run and hands ready tasks to an Executor; it
// never runs task bodies itself.
//
// Exclusion rules:
//   - two tasks with the same kind and a concrete instance (>= 0) never run
//     at the same time; instance NoInstance (-1) has no such limit
//   - SetPolicy makes kinds (or matching instances of kinds) mutually
//     exclusive
//
// Tasks that cannot run are parked. A parked task is re-evaluated when the
// task blocking it exits; blocked entries wake in order of the sequence
// number of their oldest waiting task, so contending kinds approximate one
// global FIFO.
//
// All bookkeeping happens under a single mutex that is never held while a
// body runs. Enqueue and Cancel may be called from inside task bodies.
package scheduler
