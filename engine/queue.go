// Implements the WaitQueue, which holds all requests waiting to be scheduled.
// Requests are enqueued on submission and prepended on preemption.

package engine

import (
	"fmt"
	"strings"
)

// WaitQueue holds PENDING requests. The scheduler's ordering policy sorts it
// in place at the start of every step.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.queue = append(wq.queue, r)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(val.ID)
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// PrependFront inserts a request at the front of the queue.
// Used for preemption: a request evicted from the running set
// is placed back at the head of the wait queue for immediate rescheduling.
func (wq *WaitQueue) PrependFront(req *Request) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	wq.queue = append([]*Request{req}, wq.queue...)
}

// Items returns the queue contents for iteration.
// Callers MUST NOT append to or reslice the returned slice; use Reorder.
func (wq *WaitQueue) Items() []*Request {
	return wq.queue
}

// Reorder applies fn to the queue contents, allowing in-place reordering.
// fn MUST NOT change the slice length (no append/delete).
func (wq *WaitQueue) Reorder(fn func([]*Request)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(wq.queue)))
	}
}

// Dequeue removes the request at the front of the queue.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	req := wq.queue[0]
	wq.queue[0] = nil
	wq.queue = wq.queue[1:]
	return req
}

// Remove deletes the request with the given ID and reports whether it was queued.
func (wq *WaitQueue) Remove(id string) bool {
	for i, r := range wq.queue {
		if r.ID == id {
			copy(wq.queue[i:], wq.queue[i+1:])
			wq.queue[len(wq.queue)-1] = nil
			wq.queue = wq.queue[:len(wq.queue)-1]
			return true
		}
	}
	return false
}
