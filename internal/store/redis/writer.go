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

const (
	// EventStream holds the capped history of emitted events.
	EventStream = "oracle:events"
	// SnapshotKey holds the latest persisted OracleState.
	SnapshotKey = "oracle:snapshot"

	eventStreamMaxLen  = 10000
	defaultLatestTTL   = 24 * time.Hour
	defaultSnapshotTTL = 24 * time.Hour
	channelPrefix      = "pub:oracle:"
	latestKeyPrefix    = "oracle:event:latest:"
	channelPatternAll  = channelPrefix + "*"
)

// LatestKey is the key holding the most recent event of kind.
func LatestKey(kind model.EventKind) string { return latestKeyPrefix + string(kind) }

// Channel is the pub/sub channel events of kind are published on.
func Channel(kind model.EventKind) string { return channelPrefix + string(kind) }

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes oracle events and state snapshots to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := newClient(cfg.Addr, cfg.Password, cfg.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

func newClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Run reads events from eventCh and publishes each one.
// Blocks until ctx is cancelled or eventCh is closed.
func (w *Writer) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if err := w.PublishEvent(ctx, ev); err != nil {
				log.Printf("[redis] publish %s: %v", ev.Kind, err)
			}
		}
	}
}

// PublishEvent pipelines XADD to the event stream, SET of the latest event
// of its kind and PUBLISH on the kind's channel.
func (w *Writer) PublishEvent(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	jsonData := string(data)

	pipe := w.client.Pipeline()

	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: EventStream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"data": jsonData,
		},
	})
	pipe.Set(ctx, LatestKey(ev.Kind), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, Channel(ev.Kind), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// SaveSnapshot stores st under SnapshotKey. SQLite remains the durable copy.
func (w *Writer) SaveSnapshot(ctx context.Context, st *model.OracleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return w.client.Set(ctx, SnapshotKey, string(data), defaultSnapshotTTL).Err()
}

// LoadSnapshot returns the cached state, nil if absent or expired.
func (w *Writer) LoadSnapshot(ctx context.Context) (*model.OracleState, error) {
	return readSnapshot(ctx, w.client)
}

func readSnapshot(ctx context.Context, client *goredis.Client) (*model.OracleState, error) {
	data, err := client.Get(ctx, SnapshotKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", SnapshotKey, err)
	}
	var st model.OracleState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &st, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
