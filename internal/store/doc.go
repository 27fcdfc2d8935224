// Package store persists workflows, runs, per-stage execution records,
// awaited replies, captured replies and the outbox.
//
// The same queries run against SQLite (modernc.org/sqlite) and PostgreSQL
// (pgx stdlib driver). Queries are written with '?' placeholders and rebound
// for PostgreSQL. Every operation lives on Queries, which is bound either to
// the pool (Store) or to a transaction (Store.WithTx).
package store
