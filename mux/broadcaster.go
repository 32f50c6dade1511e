package mux

import (
	"context"
	"log/slog"
	"sync"
)

// Broadcaster fans out frames from a single source to multiple subscriber
// channels. Each subscriber has its own buffered channel; if a subscriber
// falls behind, the oldest frame is dropped. It is the in-process live
// transport: the runner publishes into it and the multiplexer subscribes.
type Broadcaster struct {
	subscribers map[int]chan Frame
	mu          sync.RWMutex
	nextID      int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]chan Frame),
	}
}

// Subscribe creates a new subscriber channel with the given buffer size.
// Returns the subscriber ID (for Unsubscribe) and the read-only channel.
func (b *Broadcaster) Subscribe(bufSize int) (int, <-chan Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Frame, bufSize)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish sends a frame to all current subscribers. If a subscriber's
// channel is full, the oldest frame is dropped so the sender never blocks.
func (b *Broadcaster) Publish(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
				slog.Warn("broadcaster dropping oldest frame", "subscriber", id)
			default:
			}
			select {
			case ch <- frame:
			default:
				slog.Warn("broadcaster could not deliver frame", "subscriber", id)
			}
		}
	}
}

// Run reads from source and publishes each frame. It blocks until source is
// closed or ctx is cancelled, then closes all subscriber channels.
func (b *Broadcaster) Run(ctx context.Context, source <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case frame, ok := <-source:
			if !ok {
				b.closeAll()
				return
			}
			b.Publish(frame)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
