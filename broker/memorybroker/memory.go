// Package memorybroker is the single-process Broker used by default and in
// tests. Envelopes are kept per room with monotonically increasing IDs.
package memorybroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"caseflow/broker"
)

type room struct {
	envelopes []broker.Envelope
	nextID    int64
	waiters   []chan struct{}
}

// Broker implements broker.Broker with in-process storage.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func New() *Broker {
	return &Broker{rooms: make(map[string]*room)}
}

func (b *Broker) Publish(ctx context.Context, roomID string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.rooms[roomID]
	if r == nil {
		r = &room{nextID: 1}
		b.rooms[roomID] = r
	}

	id := strconv.FormatInt(r.nextID, 10)
	r.nextID++
	r.envelopes = append(r.envelopes, broker.Envelope{ID: id, Data: data})

	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, roomID string, lastID string, h broker.Handler) error {
	next := int64(0)
	if lastID != "" {
		parsed, err := strconv.ParseInt(lastID, 10, 64)
		if err != nil {
			return fmt.Errorf("memorybroker: bad last id %q: %w", lastID, err)
		}
		next = parsed
	} else {
		// No resume point: start after whatever exists now.
		b.mu.Lock()
		if r := b.rooms[roomID]; r != nil {
			next = r.nextID - 1
		}
		b.mu.Unlock()
	}

	for {
		pending, wait := b.collect(roomID, next)
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}
		for _, env := range pending {
			if err := h(ctx, env); err != nil {
				return err
			}
			id, _ := strconv.ParseInt(env.ID, 10, 64)
			next = id
		}
	}
}

// collect returns envelopes after lastID and a channel closed on the next
// publish to the room.
func (b *Broker) collect(roomID string, lastID int64) ([]broker.Envelope, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.rooms[roomID]
	if r == nil {
		r = &room{nextID: 1}
		b.rooms[roomID] = r
	}

	var pending []broker.Envelope
	for _, env := range r.envelopes {
		id, _ := strconv.ParseInt(env.ID, 10, 64)
		if id > lastID {
			pending = append(pending, env)
		}
	}

	wait := make(chan struct{})
	r.waiters = append(r.waiters, wait)
	return pending, wait
}

func (b *Broker) Cleanup(ctx context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r := b.rooms[roomID]; r != nil {
		for _, w := range r.waiters {
			close(w)
		}
	}
	delete(b.rooms, roomID)
	return nil
}
