// Package notifier delivers operator alerts.
//
// Alerts come from the event bus (breaker trips, runs that exhausted their retries, auto-heal
// firings) or from direct Notify calls. They flow through a bounded queue, a fixed worker pool,
// a token-bucket send limiter and a retry policy. Identical alerts inside the dedup window are
// suppressed; with PersistDedup the window survives restarts through the storage layer.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered alerts.
package notifier
