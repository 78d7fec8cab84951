// Package tip implements the tip-subscription broadcast: a
// single-writer, multi-reader fan-out of Apply/Undo/Reset events
// where a subscriber that falls behind is dropped rather than allowed
// to block the ingestion pipeline. Delivery is at most once.
package tip

import (
	"sync"

	"github.com/txpipe/dolos/internal/chainpoint"
)

// EventKind discriminates the three tip event variants.
type EventKind uint8

const (
	EventApply EventKind = iota
	EventUndo
	EventReset
)

// Event is one tip-subscription notification.
type Event struct {
	Kind  EventKind
	Point chainpoint.Point
	// RawBlock is populated for Apply/Undo, nil for Reset; Point carries
	// the slot and hash.
	RawBlock []byte
}

// subscriberBuffer bounds how far a subscriber may lag before it is
// dropped; chosen generously since tip events are small and the
// executor must never block on a slow reader.
const subscriberBuffer = 256

// Broadcaster is the single writer; Subscribe returns reader channels.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan Event{}}
}

// Subscribe registers a new reader. Call Unsubscribe with the returned
// id when done, or simply stop reading — a full channel gets dropped
// automatically on the next Publish.
func (b *Broadcaster) Subscribe() (id int, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.next
	b.next++
	c := make(chan Event, subscriberBuffer)
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[id]; ok {
		close(c)
		delete(b.subs, id)
	}
}

// Publish fans e out to every subscriber. A subscriber whose buffer is
// full is dropped (channel closed and removed) rather than blocking
// the caller: a subscriber falling behind is dropped rather than
// allowed to stall the pipeline.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subs {
		select {
		case c <- e:
		default:
			close(c)
			delete(b.subs, id)
		}
	}
}

// Close tears down every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subs {
		close(c)
		delete(b.subs, id)
	}
}
