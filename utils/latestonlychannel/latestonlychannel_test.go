package latestonlychannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapBlocksWhenEmpty(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)
	defer close(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestWrapDeliversInOrder(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)

	inputCh <- 1
	assert.Equal(t, 1, <-outputCh)

	inputCh <- 2
	assert.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	assert.False(t, ok, "output channel was not closed")
}

func TestWrapKeepsLatest(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	assert.Equal(t, 3, <-outputCh)

	inputCh <- 4
	inputCh <- 5
	assert.Equal(t, 5, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	assert.False(t, ok, "output channel was not closed")
}

func TestWrapContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inputCh := make(chan int)
	outputCh := Wrap(ctx, inputCh)

	inputCh <- 1
	cancel()

	select {
	case _, ok := <-outputCh:
		if ok {
			// the pending value may win the race with cancellation
			_, ok = <-outputCh
		}
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output channel was not closed after cancel")
	}
}
