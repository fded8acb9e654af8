// Package memoryhost provides an in-memory sessions.SessionHost implementation
// suitable for tests, development, and single-process gateways. All state is
// ephemeral and discarded on process exit. Each session owns a FIFO buffer
// (github.com/eapache/queue ring buffer) drained by a single subscriber.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : publish order per session; monotonic decimal event IDs
//	Event delivery    : exactly once to the single subscriber
//	Concurrency       : safe (mutex per host + per stream)
//
// Example:
//
//	host := memoryhost.New()
//	// the gateway wires this host into ssehttp.WithSessionHost(host)
//
// Use redishost when outbound messages should survive in a shared buffer.
package memoryhost
