// Package sqlite provides a SQLite-backed offline queue store so queued
// mutations survive process restarts.
package sqlite
