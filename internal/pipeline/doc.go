// Package pipeline defines the core domain types and service interfaces for
// the fetch-dedup-delivery pipeline: references, media descriptors, delivery
// batches, and the contracts implemented by backends, stores, and publishers.
// Implementations live in other packages; this package must not import
// drivers or concrete clients.
package pipeline
