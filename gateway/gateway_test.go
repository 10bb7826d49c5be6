package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/testutils"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const (
	primaryAddr   = "localhost:32000"
	secondaryAddr = "localhost:32001"
)

type GatewayTestSuite struct {
	suite.Suite

	cluster *testutils.FakeReplSet
	logger  *zap.Logger
}

func (s *GatewayTestSuite) SetupTest() {
	logger, err := zap.NewDevelopment()
	s.Require().NoError(err)
	s.logger = logger

	s.cluster = testutils.NewFakeReplSet("rs0")
	s.cluster.AddHost(primaryAddr, testutils.FakePrimary)
	s.cluster.AddHost(secondaryAddr, testutils.FakeSecondary)
}

func (s *GatewayTestSuite) config() *Config {
	var seeds []string
	for _, seed := range s.cluster.Seeds() {
		seeds = append(seeds, seed.Address())
	}

	return &Config{
		Logger:                s.logger,
		Seeds:                 seeds,
		SetName:               "rs0",
		HaInterval:            50 * time.Millisecond,
		MinHeartbeatFrequency: 20 * time.Millisecond,
		ConnectionTimeout:     200 * time.Millisecond,
		ConnectStagger:        time.Millisecond,
		BindAddress:           "127.0.0.1",
		HealthPort:            0,
		NodeFactory:           s.cluster.NodeFactory(),
	}
}

type runningGateway struct {
	gw        *Gateway
	startupCh chan *StartupInfo
	runErrCh  chan error
}

func (s *GatewayTestSuite) startGateway(config *Config) *runningGateway {
	r := &runningGateway{
		startupCh: make(chan *StartupInfo, 1),
		runErrCh:  make(chan error, 1),
	}

	config.StartupCallback = func(info *StartupInfo) {
		r.startupCh <- info
	}

	gw, err := NewGateway(config)
	s.Require().NoError(err)
	r.gw = gw

	go func() {
		r.runErrCh <- gw.Run(context.Background())
	}()

	s.T().Cleanup(func() {
		gw.Shutdown()
	})

	return r
}

func (s *GatewayTestSuite) waitStartup(r *runningGateway) *StartupInfo {
	select {
	case info := <-r.startupCh:
		return info
	case err := <-r.runErrCh:
		s.T().Fatalf("gateway exited before startup: %v", err)
	case <-time.After(5 * time.Second):
		s.T().Fatalf("timed out waiting for gateway startup")
	}
	return nil
}

func (s *GatewayTestSuite) waitRunExit(r *runningGateway) error {
	select {
	case err := <-r.runErrCh:
		return err
	case <-time.After(5 * time.Second):
		s.T().Fatalf("timed out waiting for gateway to exit")
	}
	return nil
}

func (s *GatewayTestSuite) TestRequiresSeeds() {
	_, err := NewGateway(&Config{})
	s.Require().Error(err)

	_, err = NewGateway(&Config{Seeds: []string{"localhost:notaport"}})
	s.Require().Error(err)
}

func (s *GatewayTestSuite) TestDefaults() {
	gw, err := NewGateway(&Config{Seeds: []string{"localhost"}})
	s.Require().NoError(err)

	s.Nil(gw.Topology())
	s.Nil(gw.Description())
	s.False(gw.IsServing())

	s.NotEmpty(gw.config.InstanceID)
	s.Equal("admin", gw.config.AuthDB)
	s.Equal("default", gw.config.AuthMechanism)
	s.NotNil(gw.config.NodeFactory)
	s.Equal(27017, gw.seeds[0].Port)
}

func (s *GatewayTestSuite) TestRunAndShutdown() {
	config := s.config()
	config.InstanceID = "instance-1"
	r := s.startGateway(config)

	info := s.waitStartup(r)
	s.Equal("instance-1", info.InstanceID)
	s.Equal("127.0.0.1", info.AdvertiseAddr)
	s.NotZero(info.HealthPort)
	s.Require().NotNil(info.Topology)
	s.Same(info.Topology, r.gw.Topology())

	s.Eventually(r.gw.IsServing, 5*time.Second, 10*time.Millisecond)
	s.Eventually(info.Topology.HasSecondary, 5*time.Second, 10*time.Millisecond)

	desc := r.gw.Description()
	s.Require().NotNil(desc)
	s.Equal("rs0", desc.SetName)
	s.NotNil(desc.Server(primaryAddr))

	r.gw.Shutdown()
	r.gw.Shutdown()

	s.NoError(s.waitRunExit(r))
	s.True(info.Topology.IsDestroyed())
	s.False(r.gw.IsServing())
}

func (s *GatewayTestSuite) TestAuthenticatesOnConnect() {
	config := s.config()
	config.Username = "app"
	config.Password = "secret"
	r := s.startGateway(config)

	s.waitStartup(r)

	nodes := s.cluster.Nodes(primaryAddr)
	s.Require().NotEmpty(nodes)

	found := false
	for _, node := range nodes {
		for _, authCtx := range node.Auths() {
			if authCtx.Credentials.Username == "app" && authCtx.DB == "admin" {
				found = true
			}
		}
	}
	s.True(found, "expected the gateway credentials to be applied to the primary")
}

func (s *GatewayTestSuite) TestUnreachableFailsWithoutDaemon() {
	s.cluster.Host(primaryAddr).SetDown(true)
	s.cluster.Host(secondaryAddr).SetDown(true)

	r := s.startGateway(s.config())

	s.Error(s.waitRunExit(r))
}

func (s *GatewayTestSuite) TestDaemonRetriesUntilReachable() {
	s.cluster.Host(primaryAddr).SetDown(true)
	s.cluster.Host(secondaryAddr).SetDown(true)

	config := s.config()
	config.Daemon = true
	r := s.startGateway(config)

	select {
	case <-r.startupCh:
		s.T().Fatalf("gateway started while every host was down")
	case err := <-r.runErrCh:
		s.T().Fatalf("gateway exited while retrying: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	s.cluster.Host(primaryAddr).SetDown(false)
	s.cluster.Host(secondaryAddr).SetDown(false)

	info := s.waitStartup(r)
	s.True(info.Topology.HasPrimary())
}

func (s *GatewayTestSuite) TestDaemonRebuildsDestroyedTopology() {
	config := s.config()
	config.Daemon = true
	r := s.startGateway(config)

	info := s.waitStartup(r)
	first := info.Topology

	s.Require().NoError(first.Destroy(nil))

	s.Eventually(func() bool {
		current := r.gw.Topology()
		return current != nil && current != first && current.HasPrimary()
	}, 10*time.Second, 20*time.Millisecond)

	s.Greater(r.gw.Topology().ID(), first.ID())

	s.Eventually(r.gw.IsServing, 5*time.Second, 10*time.Millisecond)
}

func (s *GatewayTestSuite) TestDestroyedTopologyEndsRunWithoutDaemon() {
	r := s.startGateway(s.config())

	info := s.waitStartup(r)
	s.Require().NoError(info.Topology.Destroy(nil))

	s.ErrorIs(s.waitRunExit(r), replset.ErrTopologyDestroyed)
}

func TestGateway(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}
