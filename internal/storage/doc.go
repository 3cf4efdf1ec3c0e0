package storage

// Package storage provides a minimal persistence layer for run history.
//
// It currently supports:
//   - Run record appends (one row per finished job run)
//   - Recent-run queries for the ops endpoint
//   - Retention pruning (per-job row cap and a max-age window)
