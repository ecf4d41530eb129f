// Package postgres implements the durable key and refresh record stores on
// PostgreSQL through pgx.
//
// The schema ships as embedded goose migrations; run [Migrate] before use.
// Compare-and-set transitions are conditional UPDATEs, and rotations run in
// a transaction so a demotion and its successor commit together.
package postgres
