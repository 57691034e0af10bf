// Package database provides PostgreSQL connection pool management for the
// event journal.
package database
