package freshness

import (
	"container/heap"
	"sync"
)

// DefaultQueueCapacity bounds the queue.
const DefaultQueueCapacity = 10000

// DefaultMaxColdPerCycle caps cold admissions per scan cycle so backfill
// never crowds out live conversations.
const DefaultMaxColdPerCycle = 3

// Item is one queued file.
type Item struct {
	Path     string
	Level    Level
	Priority int
}

// Metrics is a point-in-time snapshot of queue behavior.
type Metrics struct {
	Size         int            `json:"size"`
	ByLevel      map[string]int `json:"by_level,omitempty"`
	Enqueued     uint64         `json:"enqueued"`
	Duplicates   uint64         `json:"duplicates"`
	Promoted     uint64         `json:"promoted"`
	RejectedCold uint64         `json:"rejected_cold"`
	EvictedCold  uint64         `json:"evicted_cold"`
	DeferredCold uint64         `json:"deferred_cold"`
	RejectedFull uint64         `json:"rejected_full"`
	Dequeued     uint64         `json:"dequeued"`
}

type entry struct {
	Item
	index   int
	removed bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a bounded, de-duplicating priority queue. Lower priority numbers
// pop first. Cold entries are the only ones ever rejected or evicted.
type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	byPath   map[string]*entry
	capacity int
	maxCold  int

	metrics Metrics
}

// NewQueue builds a queue, filling non-positive bounds with defaults.
func NewQueue(capacity, maxColdPerCycle int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if maxColdPerCycle <= 0 {
		maxColdPerCycle = DefaultMaxColdPerCycle
	}
	return &Queue{
		byPath:   make(map[string]*entry),
		capacity: capacity,
		maxCold:  maxColdPerCycle,
	}
}

// AddCategorized enqueues one scan cycle's worth of classified files and
// returns how many were admitted. Rules:
//   - a path already queued is a no-op, unless the new classification is
//     more urgent, in which case the queued entry is promoted in place
//   - at most maxColdPerCycle cold files are admitted per call
//   - a full queue rejects cold arrivals and evicts its worst cold entry to
//     admit a hot or urgent_warm one; warm arrivals are rejected only when
//     nothing cold is left to evict
func (q *Queue) AddCategorized(items []Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	coldAdmitted := 0
	for _, item := range items {
		if e, dup := q.byPath[item.Path]; dup {
			// Re-classification can make a queued file more urgent (a starved
			// warm entry promoting to urgent_warm); the queued entry takes the
			// new level and priority in place. Less-urgent duplicates are
			// no-ops.
			if item.Level < e.Level {
				e.Level = item.Level
				e.Priority = item.Priority
				heap.Fix(&q.heap, e.index)
				q.metrics.Promoted++
			} else {
				q.metrics.Duplicates++
			}
			continue
		}
		if item.Level == Cold && coldAdmitted >= q.maxCold {
			q.metrics.DeferredCold++
			continue
		}

		if q.size() >= q.capacity {
			if item.Level == Cold {
				q.metrics.RejectedCold++
				continue
			}
			if !q.evictWorstCold() {
				if item.Level == Warm {
					q.metrics.RejectedFull++
					continue
				}
				// Hot and urgent_warm are never dropped: evict the worst
				// remaining entry instead.
				if !q.evictWorst() {
					q.metrics.RejectedFull++
					continue
				}
			}
		}

		e := &entry{Item: item}
		heap.Push(&q.heap, e)
		q.byPath[item.Path] = e
		q.metrics.Enqueued++
		added++
		if item.Level == Cold {
			coldAdmitted++
		}
	}
	return added
}

// GetBatch pops up to n items in ascending priority order.
func (q *Queue) GetBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []Item
	for len(batch) < n && q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.removed {
			continue
		}
		delete(q.byPath, e.Path)
		q.metrics.Dequeued++
		batch = append(batch, e.Item)
	}
	return batch
}

// HasHotOrUrgent reports whether any hot or urgent_warm file is queued.
func (q *Queue) HasHotOrUrgent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.byPath {
		if e.Level == Hot || e.Level == UrgentWarm {
			return true
		}
	}
	return false
}

// Size returns the number of live entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Metrics returns a snapshot including per-level counts.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.metrics
	m.Size = q.size()
	m.ByLevel = make(map[string]int, 4)
	for _, e := range q.byPath {
		m.ByLevel[e.Level.String()]++
	}
	return m
}

func (q *Queue) size() int { return len(q.byPath) }

// evictWorstCold removes the highest-priority cold entry, if any. Lazy
// deletion: the heap slot is marked and skipped on pop.
func (q *Queue) evictWorstCold() bool {
	var worst *entry
	for _, e := range q.byPath {
		if e.Level != Cold {
			continue
		}
		if worst == nil || e.Priority > worst.Priority {
			worst = e
		}
	}
	if worst == nil {
		return false
	}
	worst.removed = true
	delete(q.byPath, worst.Path)
	q.metrics.EvictedCold++
	return true
}

// evictWorst removes the highest-priority entry of any level below
// urgent_warm.
func (q *Queue) evictWorst() bool {
	var worst *entry
	for _, e := range q.byPath {
		if e.Level == Hot || e.Level == UrgentWarm {
			continue
		}
		if worst == nil || e.Priority > worst.Priority {
			worst = e
		}
	}
	if worst == nil {
		return false
	}
	worst.removed = true
	delete(q.byPath, worst.Path)
	return true
}
