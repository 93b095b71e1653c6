package kv

import (
	"container/list"
	"fmt"
)

// evictionPolicy tracks the free (ref-count zero) blocks and picks victims
// among them. Every free block is tracked by exactly one policy list.
type evictionPolicy interface {
	// push adds a block whose ref count just dropped to zero.
	push(blk *KVBlock)
	// remove detaches a free block that is being reused through a prefix hit.
	remove(blk *KVBlock)
	// victim detaches and returns the next block to recycle; nil when empty.
	victim() *KVBlock
	// pushFront re-adds a freshly evicted (now clean) block so it is recycled next.
	pushFront(blk *KVBlock)
	// onHashed observes a block entering the prefix table.
	onHashed(blk *KVBlock)
	contains(id int) bool
	len() int
}

// blockList is an intrusive doubly linked list over block IDs.
// prev/next are indexed by block ID; -1 terminates.
type blockList struct {
	blocks []KVBlock
	prev   []int
	next   []int
	member []bool
	head   int
	tail   int
	n      int
}

func newBlockList(blocks []KVBlock) *blockList {
	l := &blockList{
		blocks: blocks,
		prev:   make([]int, len(blocks)),
		next:   make([]int, len(blocks)),
		member: make([]bool, len(blocks)),
		head:   -1,
		tail:   -1,
	}
	return l
}

// appendTail inserts a block at the tail of the list.
func (l *blockList) appendTail(id int) {
	l.next[id] = -1
	// in a doubly linked list, either both head and tail will be -1, or neither
	if l.tail != -1 {
		// non-empty list; append block at end
		l.next[l.tail] = id
		l.prev[id] = l.tail
		l.tail = id
	} else {
		// empty list; create list with a single block
		l.head = id
		l.tail = id
		l.prev[id] = -1
	}
	l.member[id] = true
	l.n++
}

// prependHead adds a block at the head of the list.
func (l *blockList) prependHead(id int) {
	l.prev[id] = -1
	l.next[id] = l.head
	if l.head != -1 {
		l.prev[l.head] = id
	}
	l.head = id
	if l.tail == -1 {
		l.tail = id
	}
	l.member[id] = true
	l.n++
}

// unlink detaches a block from the list.
func (l *blockList) unlink(id int) {
	if !l.member[id] {
		return
	}
	if p := l.prev[id]; p != -1 {
		// a - b - block - c => a - b - c
		l.next[p] = l.next[id]
	} else {
		// block - c - d => c - d
		l.head = l.next[id]
	}
	if nx := l.next[id]; nx != -1 {
		l.prev[nx] = l.prev[id]
	} else {
		// a - b - block => a - b
		l.tail = l.prev[id]
	}
	l.next[id] = -1
	l.prev[id] = -1
	l.member[id] = false
	l.n--
}

// popHead removes and returns the head block, or nil.
func (l *blockList) popHead() *KVBlock {
	if l.head == -1 {
		return nil
	}
	id := l.head
	l.unlink(id)
	return &l.blocks[id]
}

// lruPolicy is the reverse-order LRU free list: freed blocks join the tail,
// victims come from the head.
type lruPolicy struct {
	free *blockList
}

func newLRUPolicy(blocks []KVBlock) *lruPolicy {
	return &lruPolicy{free: newBlockList(blocks)}
}

func (p *lruPolicy) push(blk *KVBlock)      { p.free.appendTail(blk.ID) }
func (p *lruPolicy) remove(blk *KVBlock)    { p.free.unlink(blk.ID) }
func (p *lruPolicy) victim() *KVBlock       { return p.free.popHead() }
func (p *lruPolicy) pushFront(blk *KVBlock) { p.free.prependHead(blk.ID) }
func (p *lruPolicy) onHashed(_ *KVBlock)    {}
func (p *lruPolicy) contains(id int) bool   { return p.free.member[id] }
func (p *lruPolicy) len() int               { return p.free.n }

// ghostList remembers hashes of recently evicted blocks, oldest first.
type ghostList struct {
	order *list.List
	index map[string]*list.Element
	limit int
}

func newGhostList(limit int) *ghostList {
	return &ghostList{order: list.New(), index: make(map[string]*list.Element), limit: limit}
}

func (g *ghostList) add(h string) {
	if h == "" {
		return
	}
	if e, ok := g.index[h]; ok {
		g.order.MoveToBack(e)
		return
	}
	g.index[h] = g.order.PushBack(h)
	for g.order.Len() > g.limit {
		oldest := g.order.Front()
		g.order.Remove(oldest)
		delete(g.index, oldest.Value.(string))
	}
}

// take removes h and reports whether it was present.
func (g *ghostList) take(h string) bool {
	e, ok := g.index[h]
	if !ok {
		return false
	}
	g.order.Remove(e)
	delete(g.index, h)
	return true
}

func (g *ghostList) len() int { return g.order.Len() }

// arcPolicy splits free hashed blocks into a recency list (t1, used once) and
// a frequency list (t2, reused through the prefix cache). The target size of
// t1 adapts: a hit in the recency ghost list b1 grows it, a hit in the
// frequency ghost list b2 shrinks it. Un-hashed blocks hold nothing worth
// keeping and are always recycled first.
type arcPolicy struct {
	capacity int
	target   int // adaptive target size of t1
	clean    *blockList
	t1       *blockList
	t2       *blockList
	b1       *ghostList
	b2       *ghostList
}

func newARCPolicy(blocks []KVBlock) *arcPolicy {
	return &arcPolicy{
		capacity: len(blocks),
		clean:    newBlockList(blocks),
		t1:       newBlockList(blocks),
		t2:       newBlockList(blocks),
		b1:       newGhostList(len(blocks)),
		b2:       newGhostList(len(blocks)),
	}
}

func (p *arcPolicy) push(blk *KVBlock) {
	switch {
	case blk.Hash == "":
		p.clean.appendTail(blk.ID)
	case blk.Hits >= 2:
		p.t2.appendTail(blk.ID)
	default:
		p.t1.appendTail(blk.ID)
	}
}

func (p *arcPolicy) remove(blk *KVBlock) {
	p.clean.unlink(blk.ID)
	p.t1.unlink(blk.ID)
	p.t2.unlink(blk.ID)
}

func (p *arcPolicy) victim() *KVBlock {
	if blk := p.clean.popHead(); blk != nil {
		return blk
	}
	if p.t1.n > 0 && (p.t1.n > p.target || p.t2.n == 0) {
		blk := p.t1.popHead()
		p.b1.add(blk.Hash)
		return blk
	}
	blk := p.t2.popHead()
	if blk != nil {
		p.b2.add(blk.Hash)
	}
	return blk
}

func (p *arcPolicy) pushFront(blk *KVBlock) { p.clean.prependHead(blk.ID) }

func (p *arcPolicy) onHashed(blk *KVBlock) {
	switch {
	case p.b1.take(blk.Hash):
		delta := max(1, p.b2.len()/max(1, p.b1.len()))
		p.target = min(p.capacity, p.target+delta)
		blk.Hits = max(blk.Hits, 2)
	case p.b2.take(blk.Hash):
		delta := max(1, p.b1.len()/max(1, p.b2.len()))
		p.target = max(0, p.target-delta)
		blk.Hits = max(blk.Hits, 2)
	}
}

func (p *arcPolicy) contains(id int) bool {
	return p.clean.member[id] || p.t1.member[id] || p.t2.member[id]
}

func (p *arcPolicy) len() int { return p.clean.n + p.t1.n + p.t2.n }

// Target exposes the adaptive recency target, for observability.
func (p *arcPolicy) Target() int { return p.target }

// newEvictionPolicy creates an eviction policy by name.
// Empty string defaults to LRU. Panics on unrecognized names.
func newEvictionPolicy(name string, blocks []KVBlock) evictionPolicy {
	switch name {
	case "", "lru":
		return newLRUPolicy(blocks)
	case "arc":
		return newARCPolicy(blocks)
	default:
		panic(fmt.Sprintf("unknown eviction policy %q", name))
	}
}
