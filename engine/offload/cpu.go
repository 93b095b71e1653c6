// Package offload provides a CacheTransferConnector that keeps the blocks
// of preempted requests in host memory so they can be restored instead of
// recomputed.
package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine"
)

var (
	// ErrTooLarge reports a store that exceeds the connector's whole capacity.
	ErrTooLarge = errors.New("offload: snapshot exceeds capacity")
	// ErrUnknownHandle reports a load of a released or evicted handle.
	ErrUnknownHandle = errors.New("offload: unknown handle")
)

// CPUConnector holds block snapshots in memory, up to CapacityBlocks.
// When full, the oldest stored handles are evicted to make room.
type CPUConnector struct {
	CapacityBlocks int

	mu     sync.Mutex
	used   int
	order  []string // handle IDs, oldest first
	stored map[string][]engine.BlockSnapshot
	stats  Stats
}

// Stats counts connector activity.
type Stats struct {
	Stores    int
	Loads     int
	Evictions int
	Rejected  int
}

// NewCPUConnector creates a CPUConnector. Panics if capacityBlocks <= 0.
func NewCPUConnector(capacityBlocks int) *CPUConnector {
	if capacityBlocks <= 0 {
		panic(fmt.Sprintf("NewCPUConnector: capacityBlocks must be > 0, got %d", capacityBlocks))
	}
	return &CPUConnector{
		CapacityBlocks: capacityBlocks,
		stored:         make(map[string][]engine.BlockSnapshot),
	}
}

func (c *CPUConnector) Store(_ context.Context, blocks []engine.BlockSnapshot) (*engine.OffloadHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(blocks) > c.CapacityBlocks {
		c.stats.Rejected++
		return nil, fmt.Errorf("%w: %d blocks, capacity %d", ErrTooLarge, len(blocks), c.CapacityBlocks)
	}
	for c.used+len(blocks) > c.CapacityBlocks {
		oldest := c.order[0]
		logrus.Debugf("offload: evicting %s (%d blocks) to make room", oldest, len(c.stored[oldest]))
		c.drop(oldest)
		c.stats.Evictions++
	}
	copied := make([]engine.BlockSnapshot, len(blocks))
	for i, b := range blocks {
		b.Tokens = append([]int(nil), b.Tokens...)
		b.Medium = engine.MediumCPU
		copied[i] = b
	}
	h := &engine.OffloadHandle{ID: "offload-" + uuid.NewString(), NumBlocks: len(blocks)}
	c.stored[h.ID] = copied
	c.order = append(c.order, h.ID)
	c.used += len(blocks)
	c.stats.Stores++
	return h, nil
}

func (c *CPUConnector) Load(_ context.Context, h *engine.OffloadHandle) ([]engine.BlockSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		return nil, ErrUnknownHandle
	}
	blocks, ok := c.stored[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	c.stats.Loads++
	out := make([]engine.BlockSnapshot, len(blocks))
	copy(out, blocks)
	return out, nil
}

func (c *CPUConnector) Release(h *engine.OffloadHandle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(h.ID)
}

func (c *CPUConnector) drop(id string) {
	blocks, ok := c.stored[id]
	if !ok {
		return
	}
	c.used -= len(blocks)
	delete(c.stored, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// UsedBlocks returns the number of blocks currently held.
func (c *CPUConnector) UsedBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Stats returns a copy of the connector's counters.
func (c *CPUConnector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
