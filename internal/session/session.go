// Package session keeps the bridge's ephemeral state in Redis: one record
// per connected presenter and a history snapshot per conversation channel so
// that a restarted bridge can restore typed and preserved messages.
package session
