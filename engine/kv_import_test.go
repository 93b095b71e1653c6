package engine_test

// Blank import triggers engine/kv's init(), which registers NewKVStoreFromConfig.
// This allows package engine's internal test files to create KV stores
// without directly importing engine/kv (which would create an import cycle).
import _ "github.com/inference-sim/inference-engine/engine/kv"
