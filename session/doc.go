// Package session holds the cookie session of a logged-in account and the stores that persist it.
//
// A Session is an ordered cookie list. FixExpiry extends cookies that would otherwise lapse,
// ValidateCritical and ValidateEssential decide whether a stored session is usable, and the
// Store backends (file, Postgres, Redis) persist the primary copy together with timestamped
// backups that are pruned by count and age.
//
// Saving never replaces the primary copy before the previous one has been backed up.
package session
