package scheduler

import (
	"container/heap"

	"github.com/guardant/guardant/pkg/types"
)

// entryHeap is a min-heap of schedule entries keyed by nextDueAt.
type entryHeap []*types.ScheduleEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].NextDueAt < h[j].NextDueAt }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(*types.ScheduleEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// schedule wraps the heap with a by-service index so service changes can
// invalidate entries without scanning.
type schedule struct {
	heap    entryHeap
	entries map[string]*types.ScheduleEntry
}

func newSchedule() *schedule {
	return &schedule{entries: make(map[string]*types.ScheduleEntry)}
}

// upsert replaces the entry for a service. A replaced entry is marked stale
// by removal from the index; the heap copy is skipped lazily on pop.
func (s *schedule) upsert(entry *types.ScheduleEntry) {
	s.entries[entry.ServiceID] = entry
	heap.Push(&s.heap, entry)
}

func (s *schedule) remove(serviceID string) {
	delete(s.entries, serviceID)
}

func (s *schedule) get(serviceID string) *types.ScheduleEntry {
	return s.entries[serviceID]
}

func (s *schedule) len() int {
	return len(s.entries)
}

// popDue returns the next entry due at or before now, skipping entries that
// were superseded or removed. Returns nil when nothing is due.
func (s *schedule) popDue(nowMs int64) *types.ScheduleEntry {
	for s.heap.Len() > 0 {
		head := s.heap[0]
		current, ok := s.entries[head.ServiceID]
		if !ok || current != head {
			heap.Pop(&s.heap) // stale heap copy
			continue
		}
		if head.NextDueAt > nowMs {
			return nil
		}
		heap.Pop(&s.heap)
		return head
	}
	return nil
}

// reschedule pushes an entry back with a new due time.
func (s *schedule) reschedule(entry *types.ScheduleEntry, nextDueAt int64) {
	entry.NextDueAt = nextDueAt
	s.entries[entry.ServiceID] = entry
	heap.Push(&s.heap, entry)
}
