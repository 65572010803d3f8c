package streaming

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event, and the
// miss is counted.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	latest map[string]StreamEvent // last status-bearing event per node

	nextID  atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:   make(map[uint64]*subscription),
		latest: make(map[string]StreamEvent),
		now:    time.Now,
	}
}

// Publish stamps event if it has no timestamp and delivers it to every
// matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	if event.Status != "" && event.NodeID != "" {
		h.latest[event.NodeID] = event
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter.match(event) {
			h.deliver(sub, event)
		}
	}
	return nil
}

func (h *MemoryHub) deliver(sub *subscription, event StreamEvent) {
	select {
	case sub.ch <- event:
	default:
		h.dropped.Add(1)
	}
}

// Subscribe registers a subscription. The returned cancel func closes the
// channel; cancelling ctx does the same.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}

	h.mu.Lock()
	if filter.Replay {
		for _, nodeID := range slices.Sorted(maps.Keys(h.latest)) {
			if ev := h.latest[nodeID]; filter.match(ev) {
				h.deliver(sub, ev)
			}
		}
	}
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return sub.ch, func() { stop(); remove() }, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Forget discards the replay state of a node, e.g. once it is unmounted.
func (h *MemoryHub) Forget(nodeID string) {
	h.mu.Lock()
	delete(h.latest, nodeID)
	h.mu.Unlock()
}
