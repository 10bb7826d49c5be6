package mongonode

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

func TestNewNodeValidation(t *testing.T) {
	factory := NewFactory(nil)

	_, err := factory.NewNode(&replset.NodeOptions{Host: "localhost"})
	assert.Error(t, err)

	node, err := factory.NewNode(&replset.NodeOptions{Host: "localhost", Port: 27017})
	require.NoError(t, err)
	assert.Equal(t, "localhost:27017", node.Name())
	assert.False(t, node.IsConnected())
	assert.Nil(t, node.LastIsMaster())
	assert.Nil(t, node.GetConnection())

	_, err = node.Command(context.Background(), "admin.$cmd", bson.D{{Key: "ping", Value: 1}}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	node.Destroy(true)
	node.Destroy(true)
}

func TestBuildWriteCommand(t *testing.T) {
	ordered := false
	journal := true

	cmd := buildWriteCommand("insert", "coll", "documents",
		[]interface{}{bson.D{{Key: "a", Value: 1}}},
		&replset.WriteOptions{
			Ordered: &ordered,
			WriteConcern: &writeconcern.WriteConcern{
				W:        "majority",
				Journal:  &journal,
				WTimeout: 2 * time.Second,
			},
		})

	assert.Equal(t, bson.D{
		{Key: "insert", Value: "coll"},
		{Key: "documents", Value: []interface{}{bson.D{{Key: "a", Value: 1}}}},
		{Key: "ordered", Value: false},
		{Key: "writeConcern", Value: bson.D{
			{Key: "w", Value: "majority"},
			{Key: "j", Value: true},
			{Key: "wtimeout", Value: int64(2000)},
		}},
	}, cmd)

	cmd = buildWriteCommand("delete", "coll", "deletes", nil, nil)
	assert.Len(t, cmd, 2)
}

func TestCredentialFor(t *testing.T) {
	cred, err := credentialFor(&replset.AuthContext{
		Mechanism:   "SCRAM-SHA-256",
		DB:          "admin",
		Credentials: replset.Credentials{Username: "user", Password: "pass"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-256", cred.AuthMechanism)
	assert.Equal(t, "admin", cred.AuthSource)
	assert.True(t, cred.PasswordSet)

	cred, err = credentialFor(&replset.AuthContext{Mechanism: "default", DB: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "", cred.AuthMechanism)

	_, err = credentialFor(&replset.AuthContext{Mechanism: "kerberos"})
	var providerErr *replset.UnknownAuthProviderError
	assert.ErrorAs(t, err, &providerErr)
}

func TestLiveReplicaSet(t *testing.T) {
	cfg := testutils.RequireMongo(t)

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	seeds, err := replset.ParseSeeds(cfg.MongoSeeds)
	require.NoError(t, err)

	rs, err := replset.New(seeds, &replset.Options{
		Logger:      logger,
		SetName:     cfg.MongoSetName,
		NodeFactory: NewFactory(&Options{Logger: logger, AppName: "replset-gateway-test"}),
	})
	require.NoError(t, err)
	defer func() {
		_ = rs.Destroy(nil)
	}()

	require.NoError(t, rs.Connect(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, rs.WaitUntilConnected(ctx))

	if cfg.MongoUser != "" {
		require.NoError(t, rs.Auth(ctx, "default", "admin", replset.Credentials{
			Username: cfg.MongoUser,
			Password: cfg.MongoPass,
		}))
	}

	res, err := rs.Insert(ctx, "replsetgw.test", []interface{}{bson.D{{Key: "n", Value: 1}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.N)

	raw, err := rs.Command(ctx, "admin.$cmd", bson.D{{Key: "ping", Value: 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), raw.Lookup("ok").AsInt64())

	assert.NotEmpty(t, rs.Connections())
}
