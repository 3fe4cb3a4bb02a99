package events

import (
	"context"
	"sync"
	"sync/atomic"
)

type topic struct {
	subs map[int]chan Event
	next int
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	dropped atomic.Int64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]*topic)}
}

func (b *MemoryBus) Open(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan Event)}
	}
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[e.JobID]
	if !ok || len(t.subs) == 0 {
		b.dropped.Add(1)
		return nil
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, jobID string, buffer int) (<-chan Event, func(), error) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	t, ok := b.topics[jobID]
	if !ok {
		b.mu.Unlock()
		return nil, nil, ErrTopicClosed
	}
	id := t.next
	t.next++
	ch := make(chan Event, buffer)
	t.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.topics[jobID]; ok && cur == t {
				if sub, ok := t.subs[id]; ok {
					delete(t.subs, id)
					close(sub)
				}
			}
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Close ends the topic and closes every subscriber channel.
func (b *MemoryBus) Close(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		return nil
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	delete(b.topics, jobID)
	return nil
}

// Dropped reports how many deliveries were skipped.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}
