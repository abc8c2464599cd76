// Package runner executes one run: it reads the item list, reconciles the
// completion record, and walks the remaining items through search, rate
// admission, and fetch while publishing progress. Pause and cancel arrive via
// a control.Token checked at every suspension point.
package runner
