// Package outbound serializes sends per destination.
//
// Each queued destination has a bounded FIFO drained by at most one goroutine, so
// messages to one thread leave in the order they were enqueued while different
// threads proceed in parallel. When a queue is full the oldest entry is dropped.
// A sweeper evicts queues that have been idle for a long time.
package outbound
