// Package storage persists schedules, votes, and shared admission state.
//
// Two drivers: sqlite (file-backed, WAL, embedded migrations) and memory
// (single process, tests and development). Both expose the same Store and
// AdmissionKV surface.
package storage
