// Package storage is the durable mirror behind the in-memory indexes.
//
// Records are flat field maps grouped by kind and keyed by a string id.
// Callers treat the store as eventually consistent: the in-memory index is
// authoritative while the process runs and the store is read back on start.
package storage
