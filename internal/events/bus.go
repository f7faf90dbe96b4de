// Package events fans notifications out to whoever is listening. Publishing
// never blocks and having no subscribers is fine.
package events

import (
	"sync"

	"github.com/pbaille/jobfiltr/internal/domain"
)

// Bus is an in-process publish/subscribe channel for notifications
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan domain.Notification
	next    int
	dropped int
}

// NewBus creates an empty Bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Notification)}
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription and closes the channel. Slow subscribers lose notifications
// once buffer is full.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Notification, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber without blocking
func (b *Bus) Publish(n domain.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped++
		}
	}
}

// Dropped counts notifications lost to full subscriber buffers
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
