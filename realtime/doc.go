// Package realtime keeps one live event channel per authenticated session.
//
// A Manager dials the endpoint through a Dialer, performs the connect/connack
// handshake, and then watches the channel: every inbound frame refreshes the
// liveness timestamp, a watchdog probes or rebuilds quiet connections, and an
// independent heartbeat pings the transport. Reconnects back off exponentially
// with jitter and always tear down the previous connection before dialing.
//
// Events reach listeners inline, in the order the transport produced them.
package realtime
