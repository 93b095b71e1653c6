package engine

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueIDs(wq *WaitQueue) []string {
	ids := make([]string, 0, wq.Len())
	for _, r := range wq.Items() {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestWaitQueue_Peek(t *testing.T) {
	// GIVEN a queue with requests [A, B]
	wq := &WaitQueue{}
	assert.Nil(t, wq.Peek())
	reqA := &Request{ID: "A"}
	wq.Enqueue(reqA)
	wq.Enqueue(&Request{ID: "B"})

	// WHEN Peek() is called THEN it returns the front without removing it
	assert.Same(t, reqA, wq.Peek())
	assert.Equal(t, 2, wq.Len())
}

func TestWaitQueue_PrependFront_InsertsAtFront(t *testing.T) {
	// GIVEN a queue with requests [A, B, C]
	wq := &WaitQueue{}
	for _, id := range []string{"A", "B", "C"} {
		wq.Enqueue(&Request{ID: id})
	}

	// WHEN PrependFront(X) is called
	wq.PrependFront(&Request{ID: "X"})

	// THEN dequeue order is X, A, B, C
	var got []string
	for wq.Len() > 0 {
		got = append(got, wq.Dequeue().ID)
	}
	assert.Equal(t, []string{"X", "A", "B", "C"}, got)
	assert.Nil(t, wq.Dequeue())
}

func TestWaitQueue_PrependFront_NilPanics(t *testing.T) {
	wq := &WaitQueue{}
	assert.PanicsWithValue(t, "PrependFront: req must not be nil", func() { wq.PrependFront(nil) })
}

func TestWaitQueue_Reorder(t *testing.T) {
	wq := &WaitQueue{}
	for _, id := range []string{"C", "A", "B"} {
		wq.Enqueue(&Request{ID: id})
	}

	wq.Reorder(func(reqs []*Request) {
		sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	})

	assert.Equal(t, []string{"A", "B", "C"}, queueIDs(wq))
	assert.Equal(t, "[A B C]", wq.String())
}

func TestWaitQueue_Reorder_LengthChangePanics(t *testing.T) {
	wq := &WaitQueue{}
	wq.Enqueue(&Request{ID: "A"})
	wq.Enqueue(&Request{ID: "B"})
	assert.Panics(t, func() {
		wq.Reorder(func(reqs []*Request) {
			wq.queue = reqs[:1]
		})
	})
}

func TestWaitQueue_Remove(t *testing.T) {
	wq := &WaitQueue{}
	for _, id := range []string{"A", "B", "C"} {
		wq.Enqueue(&Request{ID: id})
	}

	require.True(t, wq.Remove("B"))
	assert.False(t, wq.Remove("B"))
	assert.Equal(t, []string{"A", "C"}, queueIDs(wq))
}
