// Package audit persists connection lifecycle events.
//
// An [Auditor] writes pool events to the connection_audit_logs table through
// GORM and answers filtered, paginated queries for the API. [Auditor.Attach]
// subscribes it to a pool; events are queued and written by a single
// goroutine so pool operations never wait on the database. Old rows are
// removed by [Auditor.PurgeOlderThan], scheduled daily by the server.
//
// Credentials never reach this package: events carry connection ids, owner
// ids and short details only.
package audit
