package dispatcher

import (
	"container/heap"
	"sort"
)

// orderKey is the dequeue ordering of a queued request: priority tier, then
// submission time, then admission sequence for requests stamped in the same instant.
type orderKey struct {
	priority Priority
	unixNano int64
	seq      uint64
}

func keyOf(r *Request) orderKey {
	return orderKey{priority: r.Priority, unixNano: r.SubmittedAt.UnixNano(), seq: r.seq}
}

func (a orderKey) less(b orderKey) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.unixNano != b.unixNano {
		return a.unixNano < b.unixNano
	}
	return a.seq < b.seq
}

// pendingHeap holds queued requests. pos tracks each request's slot so a
// cancelled request can be removed without rebuilding the heap.
type pendingHeap struct {
	items []*Request
	pos   map[string]int
}

func newPendingHeap() *pendingHeap {
	return &pendingHeap{pos: make(map[string]int)}
}

func (h *pendingHeap) Len() int { return len(h.items) }

func (h *pendingHeap) Less(i, j int) bool {
	return keyOf(h.items[i]).less(keyOf(h.items[j]))
}

func (h *pendingHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.pos[h.items[i].ID] = i
	h.pos[h.items[j].ID] = j
}

func (h *pendingHeap) Push(x any) {
	r := x.(*Request)
	h.pos[r.ID] = len(h.items)
	h.items = append(h.items, r)
}

func (h *pendingHeap) Pop() any {
	n := len(h.items)
	r := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.pos, r.ID)
	return r
}

func (h *pendingHeap) push(r *Request) { heap.Push(h, r) }

func (h *pendingHeap) pop() *Request {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Request)
}

func (h *pendingHeap) remove(id string) (*Request, bool) {
	i, ok := h.pos[id]
	if !ok {
		return nil, false
	}
	return heap.Remove(h, i).(*Request), true
}

// findKey returns the queued request holding the dedup key, if any.
func (h *pendingHeap) findKey(key string) *Request {
	for _, r := range h.items {
		if r.Target.DedupKey() == key {
			return r
		}
	}
	return nil
}

// position is the 1-based rank of r in dequeue order.
func (h *pendingHeap) position(r *Request) int {
	k := keyOf(r)
	pos := 1
	for _, o := range h.items {
		if o != r && keyOf(o).less(k) {
			pos++
		}
	}
	return pos
}

// ordered returns up to limit queued requests in dequeue order. limit <= 0 means all.
func (h *pendingHeap) ordered(limit int) []*Request {
	out := make([]*Request, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool { return keyOf(out[i]).less(keyOf(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
