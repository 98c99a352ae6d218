// Package progress multiplexes per-attachment download progress to any
// number of observers keyed by cache key.
package progress

import (
	"sync"

	"github.com/nhle/mailattach/internal/model"
)

// Observer receives progress percentages for a single key. Observers are
// invoked serially per key and must not call Update, Begin or End on the
// hub from within the callback.
type Observer func(percent int)

// record holds the live progress of one in-flight resolution.
type record struct {
	// mu serializes value changes and their notifications so observers
	// see a monotonic sequence even under concurrent updates.
	mu    sync.Mutex
	value int
}

// Hub is the single writer of progress state. The zero value is not
// usable; construct with NewHub.
type Hub struct {
	mu        sync.Mutex
	records   map[model.CacheKey]*record
	observers map[model.CacheKey]map[uint64]Observer
	nextID    uint64
}

// NewHub creates an empty progress hub.
func NewHub() *Hub {
	return &Hub{
		records:   make(map[model.CacheKey]*record),
		observers: make(map[model.CacheKey]map[uint64]Observer),
	}
}

// Begin starts tracking key at 0%. Beginning an already tracked key is a
// no-op. No notification is sent.
func (h *Hub) Begin(key model.CacheKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.records[key]; !ok {
		h.records[key] = &record{}
	}
}

// Update raises the progress of key to percent and notifies observers.
// Values at or below the current progress are ignored, which absorbs
// out-of-order callbacks from the network layer. An unknown key is
// implicitly begun.
func (h *Hub) Update(key model.CacheKey, percent int) {
	percent = clamp(percent)

	h.mu.Lock()
	rec, ok := h.records[key]
	if !ok {
		rec = &record{}
		h.records[key] = rec
	}
	h.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if percent <= rec.value {
		return
	}
	rec.value = percent

	for _, fn := range h.snapshot(key) {
		fn(percent)
	}
}

// End clears the record for key. Subscriptions stay registered until
// their owners unsubscribe.
func (h *Hub) End(key model.CacheKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.records, key)
}

// Current returns the progress of key and whether it is being tracked.
func (h *Hub) Current(key model.CacheKey) (int, bool) {
	h.mu.Lock()
	rec, ok := h.records[key]
	h.mu.Unlock()
	if !ok {
		return 0, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.value, true
}

// Active returns the keys currently being tracked.
func (h *Hub) Active() []model.CacheKey {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]model.CacheKey, 0, len(h.records))
	for k := range h.records {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe registers fn for progress on key. Subscribing before the
// resolution begins is allowed. The returned function removes the
// subscription and is safe to call more than once.
func (h *Hub) Subscribe(key model.CacheKey, fn Observer) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID

	subs, ok := h.observers[key]
	if !ok {
		subs = make(map[uint64]Observer)
		h.observers[key] = subs
	}
	subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			subs, ok := h.observers[key]
			if !ok {
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.observers, key)
			}
		})
	}
}

// Watch is the stream form of Subscribe. The channel holds at most one
// pending value; a slow reader only ever misses intermediate values and
// always sees the latest one.
func (h *Hub) Watch(key model.CacheKey) (<-chan int, func()) {
	ch := make(chan int, 1)

	unsubscribe := h.Subscribe(key, func(percent int) {
		for {
			select {
			case ch <- percent:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	return ch, unsubscribe
}

// Subscribers returns the number of observers registered for key.
func (h *Hub) Subscribers(key model.CacheKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[key])
}

// snapshot copies the observers of key so they can be invoked without
// holding the hub lock.
func (h *Hub) snapshot(key model.CacheKey) []Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.observers[key]
	out := make([]Observer, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func clamp(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	}
	return percent
}

// Percent converts a byte count into a percentage of total, capped at 99
// so that 100 is only ever reported once the result is ready. Unknown
// totals report 0.
func Percent(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 99
	}
	p := int(done * 100 / total)
	if p > 99 {
		p = 99
	}
	return p
}
