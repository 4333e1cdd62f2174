// Package store holds the persistence collaborators of the domain services:
// the latest-status record per task in Redis and the archive of dead-lettered
// messages in SQLite. Both are small interfaces so the services stay
// testable without live backends.
package store
