package eventhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvWithTimeout[T any](t *testing.T, ch <-chan T) T {
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	var zero T
	return zero
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)

	// nobody is reading yet, publishing must still not block
	for i := 0; i < 100; i++ {
		hub.Publish(i)
	}

	for i := 0; i < 100; i++ {
		require.Equal(t, i, recvWithTimeout(t, ch))
	}
}

func TestHubMultipleSubscribers(t *testing.T) {
	hub := New[string]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA := hub.Subscribe(ctx)
	chB := hub.Subscribe(ctx)

	hub.Publish("joined")

	require.Equal(t, "joined", recvWithTimeout(t, chA))
	require.Equal(t, "joined", recvWithTimeout(t, chB))
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("channel was never closed")
	}

	require.Eventually(t, func() bool {
		return hub.NumSubscribers() == 0
	}, time.Second, time.Millisecond)
}

func TestHubCloseDrainsQueue(t *testing.T) {
	hub := New[int]()
	ch := hub.Subscribe(context.Background())

	hub.Publish(1)
	hub.Publish(2)
	hub.Close()

	require.Equal(t, 1, recvWithTimeout(t, ch))
	require.Equal(t, 2, recvWithTimeout(t, ch))

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("channel was never closed")
	}

	lateCh := hub.Subscribe(context.Background())
	_, ok := <-lateCh
	require.False(t, ok)
}

func TestHubCloseWhileUnsubscribing(t *testing.T) {
	hub := New[int]()

	const numSubs = 64
	chans := make([]<-chan int, 0, numSubs)
	cancels := make([]context.CancelFunc, 0, numSubs)
	for i := 0; i < numSubs; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		chans = append(chans, hub.Subscribe(ctx))
		cancels = append(cancels, cancel)
	}

	hub.Publish(1)

	var wg sync.WaitGroup
	for _, cancel := range cancels {
		wg.Add(1)
		go func(cancel context.CancelFunc) {
			defer wg.Done()
			cancel()
		}(cancel)
	}

	hub.Close()
	wg.Wait()

	for _, ch := range chans {
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return hub.NumSubscribers() == 0
	}, time.Second, time.Millisecond)
}
