// Package trigger turns cron and interval schedules into scheduler tasks.
//
// A trigger names a task kind, an optional instance and a schedule. Every
// firing submits one task. The task's body runs for the configured amount
// of work and asks to run again until it has executed the configured number
// of times. A trigger whose previous task is still owned by the scheduler
// skips the firing.
package trigger
