// Package store persists probe sessions using SQLite.
//
// # Data Models
//
//   - SessionRecord: one connection to an agent, with its device, pid,
//     open/close times, detach reason and crash report
//   - CommandRecord: a command issued by the controller and its result
//   - CallbackRecord: a command the agent asked the controller to run
//
// SQLiteStore is the production implementation; MockStore keeps everything
// in memory for tests.
//
// # Crash Reports
//
// RecordDetach stores the reason of the first detach and keeps the first
// non-empty crash report. Later calls never erase a report that has been
// recorded.
package store
