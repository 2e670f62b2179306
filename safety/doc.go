// Package safety paces outbound traffic and tracks the account's risk level.
//
// A Policy is created per client handle. It produces human-like delays, counts requests and
// errors, derives a low/medium/high risk level from the error rate and activity spacing, and
// classifies errors that suggest the platform is challenging the account. Under ultra-safe
// mode a Stealth limiter additionally caps requests per minute and per day.
package safety
