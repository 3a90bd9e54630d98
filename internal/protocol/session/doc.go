// Package session owns the client side of a relay session.
//
// Ownership boundary:
// - connect/disconnect lifecycle and connection status
// - reconnect scheduling with exponential backoff
// - the outbound queue for durable messages sent while offline
// - heartbeat presence while connected
// - ordered dispatch of inbound envelopes to registered listeners
//
// Wire transports live in internal/relay and plug in through Dialer/Conn.
package session
