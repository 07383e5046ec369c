// Package events fans emitted oracle records out to independent consumers.
package events

import (
	"log"
	"sync"

	"wrapped-oracle/internal/model"
)

// Bus broadcasts each emitted event to every subscriber channel. If a
// subscriber's channel is full the event is dropped for that subscriber only,
// so a slow consumer never blocks the oracle.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	bufSize int
	closed  bool

	// OnDrop is called when an event is dropped for the named subscriber.
	OnDrop func(name string, ev model.Event)
}

type subscriber struct {
	name string
	ch   chan model.Event
}

// New creates a Bus with the given per-subscriber buffer size.
func New(bufSize int) *Bus {
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a named consumer. Subscribing after Close returns a
// closed channel.
func (b *Bus) Subscribe(name string) <-chan model.Event {
	ch := make(chan model.Event, b.bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{name: name, ch: ch})
	return ch
}

// Emit implements model.EventSink. It never blocks.
func (b *Bus) Emit(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(s.name, ev)
			} else {
				log.Printf("[events] subscriber %s full, dropping %s", s.name, ev.Kind)
			}
		}
	}
}

// Close closes every subscriber channel. Emit after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
}

// ChannelStat is the saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.subs))
	for i, s := range b.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
