// Package eventhub provides a typed, fire-and-forget publish/subscribe hub.
// Publishing never blocks: each subscriber owns an unbounded queue which is
// drained into its output channel by a dedicated goroutine.
package eventhub

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

type subscriber[T any] struct {
	ctx      context.Context
	lock     sync.Mutex
	queue    []T
	closed   bool
	signalCh chan struct{}
}

func (s *subscriber[T]) push(evt T) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.lock.Unlock()

	select {
	case s.signalCh <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()

	select {
	case s.signalCh <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) take() ([]T, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	queue := s.queue
	s.queue = nil
	return queue, s.closed
}

type Hub[T any] struct {
	lock        sync.Mutex
	subscribers []*subscriber[T]
	closed      bool
}

func New[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed once ctx is cancelled or the hub is closed, after any
// already queued events have been delivered.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	outputCh := make(chan T)

	sub := &subscriber[T]{
		ctx:      ctx,
		signalCh: make(chan struct{}, 1),
	}

	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		close(outputCh)
		return outputCh
	}
	h.subscribers = append(h.subscribers, sub)
	h.lock.Unlock()

	go func() {
	MainLoop:
		for {
			pending, closed := sub.take()
			for _, evt := range pending {
				select {
				case outputCh <- evt:
				case <-ctx.Done():
					break MainLoop
				}
			}

			if closed {
				break MainLoop
			}

			select {
			case <-sub.signalCh:
			case <-ctx.Done():
				break MainLoop
			}
		}

		h.remove(sub)
		close(outputCh)
	}()

	return outputCh
}

func (h *Hub[T]) remove(sub *subscriber[T]) {
	h.lock.Lock()
	defer h.lock.Unlock()

	subIdx := slices.Index(h.subscribers, sub)
	if subIdx >= 0 {
		h.subscribers[subIdx] = h.subscribers[len(h.subscribers)-1]
		h.subscribers = h.subscribers[:len(h.subscribers)-1]
	}
}

// Publish queues evt for every current subscriber.
func (h *Hub[T]) Publish(evt T) {
	h.lock.Lock()
	subs := slices.Clone(h.subscribers)
	h.lock.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.push(evt)
	}
}

// NumSubscribers returns the number of live subscriptions.
func (h *Hub[T]) NumSubscribers() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.subscribers)
}

// Close closes every subscriber channel once their queues drain.  Any later
// Subscribe returns an already closed channel.
func (h *Hub[T]) Close() {
	h.lock.Lock()
	subs := slices.Clone(h.subscribers)
	h.closed = true
	h.lock.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
