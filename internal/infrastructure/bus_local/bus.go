package bus_local

import (
	"context"
	"sort"
	"sync"
)

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(ctx context.Context)
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]func(ctx context.Context))}
}

func (b *Bus) Publish(ctx context.Context, event string) error {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[event]))
	for id := range b.subs[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]func(context.Context), 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.subs[event][id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		if err := ctx.Err(); err != nil {
			return err
		}
		h(ctx)
	}
	return nil
}

func (b *Bus) Subscribe(event string, fn func(ctx context.Context)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]func(ctx context.Context))
	}
	b.subs[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[event], id)
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
		})
	}
}
