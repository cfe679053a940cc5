// Package timeout bounds how long operations may run. A Manager races an
// operation against a deadline resolved from per-call options, per-name
// registrations, or a global default, and exposes a context accessor for
// consumers capable of cooperative cancellation.
//
// The race never stops the loser: a timed-out operation keeps running in the
// background, so operations must be idempotent or cancel-safe if resource
// leakage matters.
package timeout
