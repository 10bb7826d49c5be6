package fanin

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupAllSucceed(t *testing.T) {
	var g Group
	var ran atomic.Int32

	for i := 0; i < 5; i++ {
		g.Go(func() error {
			ran.Add(1)
			return nil
		})
	}

	res := g.Wait()
	require.Equal(t, int32(5), ran.Load())
	require.Equal(t, 5, res.Total)
	require.Equal(t, 5, res.Succeeded)
	require.Equal(t, 0, res.Failed())
	require.NoError(t, res.Err())
	require.NoError(t, res.LastError())
}

func TestGroupPartialFailure(t *testing.T) {
	errFirst := errors.New("first")
	errSecond := errors.New("second")

	var g Group
	g.Add(3)

	g.Done(errFirst)
	g.Done(nil)
	g.Done(errSecond)

	res := g.Wait()
	require.Equal(t, 3, res.Total)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 2, res.Failed())
	require.ErrorIs(t, res.Err(), errFirst)
	require.ErrorIs(t, res.Err(), errSecond)
	require.Equal(t, errSecond, res.LastError())
}

func TestGroupThen(t *testing.T) {
	var g Group
	g.Go(func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	doneCh := make(chan *Result, 1)
	g.Then(func(res *Result) {
		doneCh <- res
	})

	select {
	case res := <-doneCh:
		require.Equal(t, 1, res.Succeeded)
	case <-time.After(time.Second):
		t.Fatalf("batch never completed")
	}
}

func TestGroupEmpty(t *testing.T) {
	var g Group
	res := g.Wait()
	require.Equal(t, 0, res.Total)
	require.NoError(t, res.Err())
}
