package engine

import "context"

// Medium names where a block's KV data currently lives.
type Medium string

const (
	MediumGPU Medium = "gpu"
	MediumCPU Medium = "cpu"
)

// BlockSnapshot identifies one full block's content for transfer off the
// primary cache medium.
type BlockSnapshot struct {
	BlockID int    // source block in the GPU pool at store time
	Hash    string // chained prefix hash
	Tokens  []int
	Medium  Medium
}

// OffloadHandle references blocks held by a CacheTransferConnector.
type OffloadHandle struct {
	ID        string
	NumBlocks int
}

// CacheTransferConnector persists blocks of preempted requests so they can
// be restored instead of recomputed. Any failure degrades to recomputation.
type CacheTransferConnector interface {
	Store(ctx context.Context, blocks []BlockSnapshot) (*OffloadHandle, error)
	Load(ctx context.Context, handle *OffloadHandle) ([]BlockSnapshot, error)
	// Release drops the stored blocks. Safe to call more than once.
	Release(handle *OffloadHandle)
}

// LoadedBlock tells the executor to copy restored KV data into BlockID.
type LoadedBlock struct {
	BlockID  int
	Snapshot BlockSnapshot
}
