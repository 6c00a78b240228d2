// Package scheduler runs named tasks at given times on an injected clock.
//
// Tasks live in a queue ordered by due time. RunDue executes every task
// whose time has come and is what tests drive together with clock.Mock.
// Run polls RunDue on a ticker until the context is cancelled.
//
// Repeating tasks are re-queued relative to their previous due time, so a
// delayed tick does not drift the schedule.
package scheduler
