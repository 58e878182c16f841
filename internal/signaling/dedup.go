package signaling

import "sync"

// Dedup remembers the last N message IDs so a redelivered message is handled
// once. Messages without an ID are always accepted.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = 256
	}
	return &Dedup{seen: make(map[string]struct{}, size), ring: make([]string, size)}
}

// First reports whether id has not been seen within the window, and records it.
func (d *Dedup) First(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return true
}
