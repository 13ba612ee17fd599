// Package notifier is the entry point for producing notifications.
//
// A Service filters each request through the recipients' preferences,
// quiet hours and throttle windows, then hands the surviving targets to the
// delivery engine. Scheduled and recurring notifications live in the
// scheduler, which calls back into the same send path when they are due.
//
// # Status
//
// Status lookups consult the delivery engine's live records first, then the
// scheduler, then persisted notification records and finally history.
//
// # Lifecycle
//
// Start launches the delivery lanes and the background loops (scheduler
// tick, history cleanup, preference flush, throttle sweep) under one
// supervisor. Stop drains delivery and flushes dirty preferences.
package notifier
