package strand

import "time"

// timerHeap is a binary min-heap of parked tasks keyed by deadline.
// Tasks carry their own heap index so removal on early wakeup is O(log n).
type timerHeap struct {
	ts []*task
}

func (h *timerHeap) peek() *task {
	if len(h.ts) == 0 {
		return nil
	}
	return h.ts[0]
}

func (h *timerHeap) push(t *task, at time.Time) {
	t.at = at
	t.hidx = len(h.ts)
	h.ts = append(h.ts, t)
	h.up(t.hidx)
}

func (h *timerHeap) pop() *task {
	t := h.ts[0]
	h.swapOut(0)
	t.hidx = -1
	return t
}

func (h *timerHeap) remove(t *task) {
	i := t.hidx
	if i < 0 || i >= len(h.ts) || h.ts[i] != t {
		return
	}
	h.swapOut(i)
	t.hidx = -1
}

// swapOut replaces slot i with the last element and restores heap order.
func (h *timerHeap) swapOut(i int) {
	last := len(h.ts) - 1
	h.ts[i] = h.ts[last]
	h.ts[i].hidx = i
	h.ts[last] = nil
	h.ts = h.ts[:last]
	if i < last {
		h.down(i)
		h.up(i)
	}
}

func (h *timerHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.ts[i].at.Before(h.ts[parent].at) {
			return
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *timerHeap) down(i int) {
	n := len(h.ts)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		least := left
		if right := left + 1; right < n && h.ts[right].at.Before(h.ts[left].at) {
			least = right
		}
		if !h.ts[least].at.Before(h.ts[i].at) {
			return
		}
		h.swap(i, least)
		i = least
	}
}

func (h *timerHeap) swap(i, j int) {
	h.ts[i], h.ts[j] = h.ts[j], h.ts[i]
	h.ts[i].hidx = i
	h.ts[j].hidx = j
}
