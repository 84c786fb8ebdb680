// Package aggregate rolls probe results up into per-region minute, hour and
// day buckets. Buckets stay mutable for a short grace window after their
// period ends, then seal immutably to a Sink. Memory is bounded by an LRU
// cap that force-seals the coldest buckets.
package aggregate
