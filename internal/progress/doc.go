// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that crawl sessions use to report progress. It batches events on
// a background goroutine and fans them out to pluggable sinks such as the SSE
// broadcaster, Prometheus metrics, or persistent storage.
package progress
