// Package executors provides builtin step executors for the Loom
// engine: a shell command executor with undo-command compensation and
// a func adapter for embedding Go functions as step kinds.
package executors
