package hipaa

import "sync"

// outbox is a bounded FIFO of entries whose first write failed. When full,
// push evicts the oldest entry.
type outbox struct {
	mu    sync.Mutex
	items []*Entry
	limit int
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{limit: limit}
}

// push appends e and returns the evicted entry, if any.
func (o *outbox) push(e *Entry) (dropped *Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.limit {
		dropped = o.items[0]
		o.items[0] = nil
		o.items = o.items[1:]
	}
	o.items = append(o.items, e)
	AuditOutboxDepth.Set(float64(len(o.items)))
	return dropped
}

func (o *outbox) peek() *Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil
	}
	return o.items[0]
}

// remove drops e if it is still at the head. It may already have been evicted
// by a concurrent push.
func (o *outbox) remove(e *Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 && o.items[0] == e {
		o.items[0] = nil
		o.items = o.items[1:]
	}
	AuditOutboxDepth.Set(float64(len(o.items)))
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
