// Package introspect serves a read-mostly HTTP view of the scheduler: health,
// per-kind state, counters, the worker pool, the stats journal, triggers and
// optionally net/http/pprof.
//
// Bind it to loopback. A non-loopback address requires a token unless
// AllowInsecure is set.
package introspect
