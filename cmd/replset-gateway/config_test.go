package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRestartRequired(t *testing.T) {
	base := &config{
		logLevelStr: "info",
		seeds:       []string{"a:27017", "b:27017"},
		haInterval:  10 * time.Second,
		webPort:     9091,
	}

	same := *base
	same.seeds = []string{"a:27017", "b:27017"}
	same.logLevelStr = "debug"
	assert.Empty(t, base.restartRequired(&same))

	changed := *base
	changed.seeds = []string{"a:27017"}
	changed.haInterval = time.Second
	assert.Equal(t, []string{"seeds", "ha-interval"}, base.restartRequired(&changed))
}

func TestFetchCredentialsValidation(t *testing.T) {
	logger := zap.NewNop()

	require.NoError(t, fetchCredentials(context.Background(), logger, &config{}))

	err := fetchCredentials(context.Background(), logger, &config{credsAwsId: "secret"})
	assert.ErrorContains(t, err, "region")

	err = fetchCredentials(context.Background(), logger, &config{
		credsAwsId:        "secret",
		credsAwsRegion:    "us-east-1",
		credsGcpId:        "secret",
		credsGcpProjectId: "project",
	})
	assert.ErrorContains(t, err, "only one")

	err = fetchCredentials(context.Background(), logger, &config{
		credsAzureId:        "secret",
		credsAzureVaultName: "vault",
		username:            "admin",
	})
	assert.ErrorContains(t, err, "cannot use username")
}
