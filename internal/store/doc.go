// Package store defines interfaces for persisting run history (runs and their
// per-item outcomes). Implementations live in other packages; this package
// must not import database drivers or concrete clients.
package store
