// Package sinks implements concrete progress consumers such as Prometheus,
// session history storage, Pub/Sub notifications, structured logging and the
// live broadcaster behind the SSE endpoint. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
