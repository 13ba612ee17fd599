// Package delivery runs the notification delivery pipeline.
//
// Notifications are pushed into one of three bounded lanes (priority,
// standard, batch) and consumed by long-running workers hosted on a
// supervisor. Each worker dispatches every (channel, recipient) pair of a
// notification concurrently through the channel registry and folds the
// results into the notification's status.
//
// # Batch lane
//
// The batch worker accumulates items until BatchSize is reached or
// BatchTimeout has passed since the last flush. Items for the same recipient
// on the same channel are consolidated into one digest delivery; the digest's
// result is copied into every original.
//
// # Retries
//
// Failed notifications with attempts left sit in a retry set. A sweeper asks
// the retry policy which ones are due and re-enqueues them at the back of
// their lane.
//
// # Events
//
// Lifecycle events are published on the event bus under the "delivery."
// prefix: queued, deduped, dropped, sent, failed, expired, retrying,
// cancelled.
package delivery
