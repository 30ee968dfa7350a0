// This package fans local events out to any number of subscribers. Each subscriber reads at its
// own pace from a bounded queue; one that falls behind loses the oldest events and is told how
// many it missed.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("events: subscription closed")

// Lagged is returned once by Recv after a subscriber's queue overflowed.
type Lagged struct {
	Missed uint64
}

func (l *Lagged) Error() string {
	return fmt.Sprintf("events: subscriber lagged, missed %d events", l.Missed)
}

func (l *Lagged) IsRetryable() bool {
	return true
}

type Broadcast[T any] struct {
	lock   sync.Mutex
	size   int
	subs   map[uuid.UUID]*Subscriber[T]
	closed bool
}

func NewBroadcast[T any](size int) *Broadcast[T] {
	if size < 1 {
		size = 1
	}
	return &Broadcast[T]{size: size, subs: map[uuid.UUID]*Subscriber[T]{}}
}

// Subscribe returns a subscriber that sees every event published after this call.
func (b *Broadcast[T]) Subscribe() *Subscriber[T] {
	b.lock.Lock()
	defer b.lock.Unlock()
	s := &Subscriber[T]{
		ID:        uuid.New(),
		broadcast: b,
		queue:     make([]T, 0, b.size),
		notify:    make(chan struct{}, 1),
		closed:    b.closed,
	}
	if !b.closed {
		b.subs[s.ID] = s
	}
	return s
}

// Publish never blocks. It returns the number of subscribers the event was queued for.
func (b *Broadcast[T]) Publish(event T) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, s := range b.subs {
		s.push(event, b.size)
	}
	return len(b.subs)
}

func (b *Broadcast[T]) SubscriberCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subs)
}

func (b *Broadcast[T]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (b *Broadcast[T]) remove(id uuid.UUID) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.subs, id)
}

type Subscriber[T any] struct {
	ID uuid.UUID

	broadcast *Broadcast[T]
	lock      sync.Mutex
	queue     []T
	missed    uint64
	notify    chan struct{}
	closed    bool
}

func (s *Subscriber[T]) push(event T, size int) {
	s.lock.Lock()
	if len(s.queue) == size {
		s.queue = s.queue[1:]
		s.missed++
	}
	s.queue = append(s.queue, event)
	s.lock.Unlock()
	s.wake()
}

func (s *Subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber[T]) close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.wake()
}

// Recv blocks until an event is available, the context ends or the subscriber is closed. After
// an overflow it returns *Lagged once before resuming with the oldest retained event.
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.lock.Lock()
		if s.missed > 0 {
			missed := s.missed
			s.missed = 0
			s.lock.Unlock()
			return zero, &Lagged{Missed: missed}
		}
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.lock.Unlock()
			return event, nil
		}
		closed := s.closed
		s.lock.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscriber[T]) Close() {
	s.broadcast.remove(s.ID)
	s.close()
}
