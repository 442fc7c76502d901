package eventqueue

import "github.com/harun/agentcore/pkg/event"

// QueueEntry is one buffered event.
type QueueEntry struct {
	Event    event.Event
	Priority int
	Sequence uint64
}

// entryHeap orders by priority descending, then sequence ascending.
type entryHeap []*QueueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*QueueEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
