// Package runtime provides panic-safe goroutine helpers used by the
// background loops and listener notification paths in this library.
package runtime
