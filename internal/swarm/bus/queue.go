package bus

import "container/heap"

// queuedMessage pairs a message with the monotonic enqueue sequence that
// breaks priority ties. Wall-clock timestamps can collide under concurrent
// producers; the per-bus sequence cannot.
type queuedMessage struct {
	msg *Message
	seq uint64
}

// messageHeap is a min-heap ordered by (priority, sequence).
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*queuedMessage))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// push enqueues a message. Caller must hold the bus lock.
func (h *messageHeap) push(m *Message, seq uint64) {
	heap.Push(h, &queuedMessage{msg: m, seq: seq})
}

// pop dequeues the highest-priority message or nil. Caller must hold the bus lock.
func (h *messageHeap) pop() *Message {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*queuedMessage).msg
}
