// Package store provides persistent storage for mimic using SQLite.
//
// # Data Models
//
//   - MessageLink: source message id to relayed message id. Write-once; the
//     first stored mapping for a source message is kept.
//   - Assignment: history of identity-to-agent bindings, opened on assign and
//     closed when the agent is reaped.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema created on open). MockStore is an in-memory implementation
// for tests.
//
// # Retention
//
// Message links are pruned with DeleteLinksBefore on a schedule driven by
// the service. Assignment history is kept.
package store
