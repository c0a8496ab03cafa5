// Package storage persists the bot's durable state.
//
// Two concerns live here:
//
//   - Subscriptions: the full user -> subscription mapping, kept in a single
//     JSON file. Every mutation is a load -> modify -> save transaction under
//     one writer lock, and saves are atomic (temp file + rename), so a crash
//     mid-write never leaves a torn file and concurrent mutations for
//     different users never lose updates.
//
//   - Seen set: fingerprints of already-published feed items plus a publish
//     audit trail, kept in SQLite. Growth is bounded by Prune (age cutoff +
//     per-source cap).
package storage
