// Package sinks implements concrete progress consumers such as Prometheus,
// run history storage, notifications, and structured logging. Each sink
// satisfies the progress.Sink interface and may be shared by many runs.
package sinks
