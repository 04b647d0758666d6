package bus

import (
	"container/heap"
	"sync"
	"time"
)

// item is one envelope resident in a queue, pending, in flight or held.
type item struct {
	env        Envelope
	seq        uint64
	enqueuedAt time.Time
	holds      int
	heldUntil  time.Time
	index      int
}

// pendingHeap orders by priority, then by enqueue sequence (FIFO per tier).
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].env.Priority != h[j].env.Priority {
		return h[i].env.Priority < h[j].env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is a single agent's inbox. Its mutex is the only lock taken on the
// delivery path for that agent.
type queue struct {
	agent AgentID

	mu       sync.Mutex
	pending  pendingHeap
	inflight map[string]*item
	held     map[string]*item
	accepts  map[TaskType]struct{}

	// notify has capacity one; a send means "something may be fetchable".
	notify chan struct{}
}

func newQueue(agent AgentID, accepts []TaskType) *queue {
	q := &queue{
		agent:    agent,
		inflight: make(map[string]*item),
		held:     make(map[string]*item),
		accepts:  make(map[TaskType]struct{}, len(accepts)),
		notify:   make(chan struct{}, 1),
	}
	for _, tt := range accepts {
		q.accepts[tt] = struct{}{}
	}
	return q
}

// push must be called with q.mu held.
func (q *queue) push(it *item) {
	heap.Push(&q.pending, it)
	q.signal()
}

// pop must be called with q.mu held.
func (q *queue) pop() *item {
	if len(q.pending) == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*item)
}

// remove must be called with q.mu held.
func (q *queue) remove(it *item) {
	if it.index >= 0 && it.index < len(q.pending) && q.pending[it.index] == it {
		heap.Remove(&q.pending, it.index)
	}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) accepting(tt TaskType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.accepts[tt]
	return ok
}

// QueueDepth reports one agent's queue occupancy.
type QueueDepth struct {
	Agent    AgentID `json:"agent"`
	Pending  int     `json:"pending"`
	InFlight int     `json:"in_flight"`
	Held     int     `json:"held"`
	// ByPriority counts pending envelopes per tier.
	ByPriority map[string]int `json:"by_priority,omitempty"`
}

func (q *queue) depth() QueueDepth {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := QueueDepth{
		Agent:    q.agent,
		Pending:  len(q.pending),
		InFlight: len(q.inflight),
		Held:     len(q.held),
	}
	if len(q.pending) > 0 {
		d.ByPriority = make(map[string]int)
		for _, it := range q.pending {
			d.ByPriority[it.env.Priority.String()]++
		}
	}
	return d
}
