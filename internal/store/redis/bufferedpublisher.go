package redis

import (
	"context"
	"log"
	"sync"

	"wrapped-oracle/internal/model"
)

// EventPublisher is the write side BufferedPublisher protects.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev model.Event) error
}

// BufferedPublisher wraps a publisher with a circuit breaker.
// During circuit-open state, events are buffered locally and flushed
// when the circuit closes again.
type BufferedPublisher struct {
	pub EventPublisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []model.Event
	maxBuf int // max buffered events before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when an event is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered events
}

// NewBufferedPublisher creates a BufferedPublisher wrapping pub.
func NewBufferedPublisher(ctx context.Context, pub EventPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.Event, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}

	return bp
}

// Run publishes events from eventCh until ctx is cancelled or eventCh closes.
func (bp *BufferedPublisher) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if err := bp.Publish(ev); err != nil {
				log.Printf("[buffered-publisher] publish %s: %v", ev.Kind, err)
			}
		}
	}
}

// Publish sends ev through the circuit breaker. While the circuit is open
// the event is buffered and nil is returned. A failed publish is buffered too,
// so the event is retried on recovery.
func (bp *BufferedPublisher) Publish(ev model.Event) error {
	err := bp.cb.Execute(func() error {
		return bp.pub.PublishEvent(bp.ctx, ev)
	})
	if err == nil {
		return nil
	}
	bp.bufferEvent(ev)
	if err == ErrCircuitOpen {
		return nil
	}
	return err
}

func (bp *BufferedPublisher) bufferEvent(ev model.Event) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, ev)

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays all buffered events through the underlying publisher.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]model.Event, 0, 256)
	bp.mu.Unlock()

	flushed := 0
	for _, ev := range toFlush {
		if err := bp.pub.PublishEvent(bp.ctx, ev); err != nil {
			log.Printf("[buffered-publisher] flush %s: %v", ev.Kind, err)
			continue
		}
		flushed++
	}

	log.Printf("[buffered-publisher] flushed %d buffered events", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events waiting to be flushed.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
