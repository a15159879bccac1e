package strand

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerHeapPopsInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Now()

	var h timerHeap
	for i := 0; i < 64; i++ {
		h.push(&task{hidx: -1}, base.Add(time.Duration(rng.Intn(1000))*time.Millisecond))
	}

	prev := time.Time{}
	for h.peek() != nil {
		tk := h.pop()
		assert.Equal(t, -1, tk.hidx)
		if !prev.IsZero() {
			assert.False(t, tk.at.Before(prev), "pop order regressed")
		}
		prev = tk.at
	}
}

func TestTimerHeapRemove(t *testing.T) {
	base := time.Now()
	var h timerHeap

	tasks := make([]*task, 5)
	for i := range tasks {
		tasks[i] = &task{hidx: -1}
		h.push(tasks[i], base.Add(time.Duration(i)*time.Second))
	}

	h.remove(tasks[2])
	assert.Equal(t, -1, tasks[2].hidx)

	// removing twice is harmless
	h.remove(tasks[2])

	var got []*task
	for h.peek() != nil {
		got = append(got, h.pop())
	}
	require.Len(t, got, 4)
	assert.Equal(t, []*task{tasks[0], tasks[1], tasks[3], tasks[4]}, got)
}

func TestTimerHeapRemoveRoot(t *testing.T) {
	base := time.Now()
	var h timerHeap

	a := &task{hidx: -1}
	b := &task{hidx: -1}
	h.push(a, base)
	h.push(b, base.Add(time.Second))

	h.remove(a)
	require.Same(t, b, h.peek())
	require.Same(t, b, h.pop())
	assert.Nil(t, h.peek())
}
