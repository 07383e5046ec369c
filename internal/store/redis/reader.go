package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"wrapped-oracle/internal/model"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader replays and tails the event stream written by Writer.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := newClient(cfg.Addr, cfg.Password, cfg.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// StreamEntry is one event read back from the stream.
type StreamEntry struct {
	ID    string
	Event model.Event
}

// ReadEvents returns up to count events after afterID, oldest first.
// An empty afterID starts at the beginning of the stream.
func (r *Reader) ReadEvents(ctx context.Context, afterID string, count int64) ([]StreamEntry, error) {
	start, fetch := "-", count
	if afterID != "" {
		// The range is inclusive; fetch one extra to cover afterID itself.
		start, fetch = afterID, count+1
	}
	msgs, err := r.client.XRangeN(ctx, EventStream, start, "+", fetch).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s from %s: %w", EventStream, start, err)
	}
	out := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == afterID {
			continue
		}
		if int64(len(out)) == count {
			break
		}
		ev, err := decodeMessage(msg.Values)
		if err != nil {
			log.Printf("[redis-reader] skip %s: %v", msg.ID, err)
			continue
		}
		out = append(out, StreamEntry{ID: msg.ID, Event: ev})
	}
	return out, nil
}

func decodeMessage(values map[string]interface{}) (model.Event, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return model.Event{}, fmt.Errorf("missing data field")
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// SubscribeEvents forwards every published event to out until ctx is done.
func (r *Reader) SubscribeEvents(ctx context.Context, out chan<- model.Event) error {
	pubsub := r.client.PSubscribe(ctx, channelPatternAll)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", channelPatternAll, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[redis-reader] bad payload on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ReadSnapshot loads the cached oracle state, nil if none is cached.
func (r *Reader) ReadSnapshot(ctx context.Context) (*model.OracleState, error) {
	return readSnapshot(ctx, r.client)
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
