// Package tracks holds the domain types, collaborator contracts, and error
// taxonomy shared by the run engine: items and their identity keys, run and
// item states, and the input, search, fetch, probe, and completion interfaces.
package tracks
