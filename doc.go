// Package strawberryrunners implements a chained post-processing
// pipeline for digital repository assets.
//
// An asset carries a structured record naming its source files. When
// an asset is submitted for processing, the matcher resolves which
// processor configurations apply to which files, and the dispatcher
// fans the matches out as work items onto NATS JetStream queues. A
// worker claims items, runs the configured plugin (OCR, embeddings,
// thumbnails), and routes the output: indexable results go to the
// search indexes and the tracking store, derived files are attached
// back onto the asset, and plugin-destined output is dispatched again
// as child work for the next processor in the chain.
//
// Results are deduplicated by source checksum: a work item whose
// checksum is already tracked and confirmed present in every index is
// skipped, so resubmitting an unchanged asset is cheap. Transient
// failures retry a bounded number of times before the item is parked
// on the failed queue with its failure context, from where it can be
// resubmitted.
//
// The scheduler package adds an optional control loop that processes
// one asset at a time with a hard cap on concurrently running work,
// and the cmd/strawberryd daemon wires the whole pipeline together
// with cron-driven queue drains, Prometheus metrics and health
// reporting.
package strawberryrunners
