// Package cortex is the cognition layer of a single persistent agent: one
// durable message bus, one serial turn loop, one unified session.
//
// Inputs from any transport are enqueued as envelopes on a priority bus
// backed by SQLite. A loop claims exactly one envelope at a time, assembles
// a layered context (system floor, background channel awareness, foreground
// transcript), makes one LLM call, dispatches tool calls and outbound text,
// and commits the turn. Long-running work is delegated through the router
// subpackage and comes back as ordinary envelopes; outstanding work is
// tracked in a durable pending-op inbox that surfaces results to the model.
//
// The hippocampus keeps long-term memory in two stores: a frequency-ranked
// hot fact table and a vector-indexed cold archive, with promotion on query
// and eviction on staleness. The gardener's background workers extract
// facts, harvest op results, compact idle channels, and evict stale memory.
//
// The core is a library: LLM, embedding, and executor calls are callbacks
// wired by the host. See cmd/cortexd for a complete composition.
package cortex
