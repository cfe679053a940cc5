// Package log defines the logging contract shared by every resilience
// primitive in this library, together with a stdlib-backed implementation
// and a no-op implementation used as the nil-safe default.
//
// Production services should plug in the zap-backed implementation from
// the sibling zap package.
package log
