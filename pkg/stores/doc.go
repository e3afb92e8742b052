// Package stores provides the durable persistence layer for Loom.
// It implements the engine's checkpoint store, attempt log and event
// sink on SQLite with WAL mode and embedded schema migrations, plus
// run-record queries for the CLI.
package stores
