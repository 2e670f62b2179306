// Package client is the entry point of msgrlink. Login turns credentials or a stored session
// into a Handle that owns one realtime connection, its safety policy, its outbound queues and
// its token refresher.
//
// Several handles can live in one process; they share nothing but the device profile file.
package client
