// ABOUTME: Main heapsweep package providing version information and package documentation
// ABOUTME: This is the root package for the concurrent page sweeper

// Package heapsweep implements the concurrent sweep phase of a paged
// mark-sweep collector. Pages are byte arenas holding a contiguous run of
// objects; after marking, the sweeper merges dead runs into free blocks,
// publishes them to a free list and retires pages with no survivors.
//
// The subpackages are layered leaves first: heap, freelist, monitor,
// isolate, threadpool, sweep and space. The trace and layout packages build
// synthetic heaps for tests and tools.
package heapsweep

// Version is the semantic version of the heapsweep module
const Version = "0.1.0-dev"
