// Package auth converts account credentials into a session cookie set.
//
// An Authenticator submits a signed login form from a persisted device profile. When the
// platform answers with a two-factor challenge, the code is derived from a TOTP secret (or
// taken literally) and the form is resubmitted with the challenge fields. Successful logins
// are normalized with session.FixExpiry and saved to the configured session.Store.
//
// Endpoints, API key, and signing key are configuration; none are built in.
package auth
