// Package circuitbreaker provides a per-target failure-aware gate with
// closed, open and half-open states, a registry for managing breakers per
// service, and a health checker that probes unhealthy services and resets
// their breakers on recovery.
package circuitbreaker
