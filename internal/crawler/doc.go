// Package crawler implements the screenshot crawl engine: URL
// canonicalization, the breadth-first frontier, the page worker and the
// orchestrator that ties them to a rendering engine and a progress emitter.
//
// A session starts from one seed URL, stays on the seed's host (ignoring a
// leading "www."), visits each canonical URL at most once and captures at
// most one screenshot per URL. Depth, total pages and parallelism are bounded
// per session by Options.
package crawler
