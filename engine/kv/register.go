package kv

import "github.com/inference-sim/inference-engine/engine"

func init() {
	engine.NewKVStoreFromConfig = func(cfg engine.KVCacheConfig) engine.KVStore {
		return NewKVCacheState(cfg)
	}
}
