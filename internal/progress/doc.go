// Package progress provides the run event model and the Hub that delivers
// events either to one synchronous callback or to any number of independently
// paced subscribers, each with its own unbounded queue. Sinks such as
// Prometheus metrics or run history storage attach to a Hub as subscribers
// and receive events in batches.
package progress
