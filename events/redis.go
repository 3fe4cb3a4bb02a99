package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// typeTopicClosed is the control message that tells remote subscribers the
// job's topic is finished.
const typeTopicClosed = "storage.bus.closed"

// openTTL bounds how long the open marker of a crashed publisher survives.
const openTTL = 24 * time.Hour

// RedisBus publishes events over Redis pub/sub so that subscribers in other
// processes can follow a scan. Messages are msgpack-encoded Events. An open
// topic is marked by a Redis key, so remote subscribers see the same
// open/closed state as the publisher.
type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &RedisBus{client: client, prefix: "storage:scan:"}, nil
}

func (b *RedisBus) channel(jobID string) string {
	return b.prefix + jobID
}

func (b *RedisBus) openKey(jobID string) string {
	return b.prefix + jobID + ":open"
}

func (b *RedisBus) Open(jobID string) error {
	if err := b.client.Set(context.Background(), b.openKey(jobID), 1, openTTL).Err(); err != nil {
		return fmt.Errorf("redis open topic: %w", err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(e.JobID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string, buffer int) (<-chan Event, func(), error) {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, b.channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}
	// Checked after subscribing: Close drops the marker before it publishes
	// the closing message, so a marker seen here guarantees that message.
	n, err := b.client.Exists(ctx, b.openKey(jobID)).Result()
	if err != nil || n == 0 {
		cancel()
		pubsub.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("redis topic state: %w", err)
		}
		return nil, nil, ErrTopicClosed
	}

	out := make(chan Event, buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				e, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if e.Type == typeTopicClosed {
					return
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

// Close notifies remote subscribers that the job's topic is finished.
func (b *RedisBus) Close(jobID string) error {
	ctx := context.Background()
	n, err := b.client.Del(ctx, b.openKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("redis close topic: %w", err)
	}
	if n == 0 {
		return nil
	}
	return b.Publish(ctx, Event{Type: typeTopicClosed, JobID: jobID})
}

// Shutdown releases the Redis connection.
func (b *RedisBus) Shutdown() error {
	return b.client.Close()
}

func encodeEvent(e Event) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
