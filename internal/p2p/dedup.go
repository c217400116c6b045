package p2p

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded FIFO set of string fingerprints: membership testing
// plus insertion in one call, oldest entries evicted once capacity is
// reached (spec.md §4.8: "Transactions are deduplicated via a bounded FIFO
// set"; §5: "dedup by seenBlocks prevents this before reaching the
// engine").
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &dedupSet{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

// SeenOrAdd reports whether fingerprint was already present; if not, it is
// added and the oldest entry is evicted if the set is now over capacity.
func (d *dedupSet) SeenOrAdd(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[fingerprint]; ok {
		return true
	}
	el := d.order.PushBack(fingerprint)
	d.index[fingerprint] = el
	if d.order.Len() > d.capacity {
		oldest := d.order.Front()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return false
}

func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
