// Package backoff provides delay-calculation primitives (exponential, linear,
// fibonacci, jitter) and a context-aware sleep used by retry mechanisms.
package backoff
