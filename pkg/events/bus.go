package events

import (
	"sync"
)

const DefaultBusSize = 1024

// Bus is a multi-producer, single-consumer queue of events. Publish blocks
// while the buffer is full so no output is ever dropped.
type Bus struct {
	ch     chan Event
	mutex  sync.RWMutex
	closed bool
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish enqueues ev. It returns false if the bus is already closed.
func (b *Bus) Publish(ev Event) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.closed {
		return false
	}
	b.ch <- ev
	return true
}

// Events is the consume-once side of the bus. It is closed after Close once
// every buffered event has been read.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops accepting events. It waits for in-flight publishers, so it must
// only be called while the consumer keeps draining.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
