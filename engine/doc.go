// Package engine provides the core of an LLM inference engine: a step loop
// that batches requests over a paged KV cache and verifies speculative drafts.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - request.go: Request lifecycle (pending → running → finished) and sampling parameters
//   - scheduler.go: Per-step batch formation with chunked prefill and preemption
//   - core.go: EngineCore, the step loop that drives scheduling, drafting and execution
//
// # Architecture
//
// The engine package defines interfaces and bridge types; implementations live in
// sub-packages:
//   - engine/kv/: paged KV cache with prefix caching and LRU/ARC eviction
//   - engine/speculative/: draft proposers (n-gram, suffix automaton, token tree), sampler, verifier
//   - engine/executor/: synthetic model executor, step cost model, async worker
//   - engine/offload/: in-memory cache transfer connector for preempted requests
//   - engine/workload/: synthetic workload generation
//   - engine/trace/: decision trace recording
//
// engine/kv registers its implementation via an init() function that sets
// the package-level factory variable NewKVStoreFromConfig.
//
// # Key Interfaces
//
//   - KVStore: block allocation, prefix lookup, eviction, invariant checks
//   - ModelExecutor: one forward pass over a Batch
//   - CacheTransferConnector: store and restore blocks of preempted requests
//   - AdmissionPolicy: accept or reject submissions
//   - OrderingPolicy: order the wait queue before admission
package engine
