package system

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthMirrorsServing(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	listeners, err := NewListeners(&ListenersOptions{
		Address:    "127.0.0.1",
		HealthPort: 0,
	})
	require.NoError(t, err)
	defer listeners.Close()

	port := listeners.BoundHealthPort()
	require.NotZero(t, port)

	sys, err := NewSystem(&SystemOptions{Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- sys.Serve(ctx, listeners)
	}()

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)

	checkStatus := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ReplSetService})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus())

	sys.SetServing(true)
	assert.True(t, sys.IsServing())
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus())

	sys.SetServing(false)
	assert.False(t, sys.IsServing())
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus())

	cancel()
	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestDisabledHealthListener(t *testing.T) {
	listeners, err := NewListeners(&ListenersOptions{HealthPort: -1})
	require.NoError(t, err)
	assert.Zero(t, listeners.BoundHealthPort())

	sys, err := NewSystem(&SystemOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, sys.Serve(ctx, listeners))
}
