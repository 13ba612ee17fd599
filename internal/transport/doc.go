// Package transport holds the notification domain model shared by every
// component (notifications, recipients, push subscriptions, delivery results)
// and the Dispatcher contract implemented by the channel packages underneath
// it (email, webpush, mobilepush, inapp, sms, telegram).
//
// Importers conventionally alias it as kit.
//
// # Guarding
//
// Guard wraps a channel dispatcher with a per-call timeout and an x/time/rate
// limiter. A consecutive-failure breaker sits in front of both; recipient-side
// failures do not count toward it. Panics become failed results.
package transport
