// Package storage persists all control-plane state in bbolt: sessions,
// kernels, agents, the per-session status log, the allocation ledger,
// resource policies and per-group scheduler state each get a bucket.
// Mutations arrive only through the manager FSM, so the store itself
// does no locking beyond bbolt's single-writer transactions.
package storage
