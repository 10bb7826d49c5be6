/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/replset-gateway/contrib/etcdpublisher"
	"github.com/couchbase/replset-gateway/contrib/mongonode"
	"github.com/couchbase/replset-gateway/gateway/system"
	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/couchbase/replset-gateway/replset/opstore"
	"github.com/couchbase/replset-gateway/utils/latestonlychannel"
	"github.com/couchbase/replset-gateway/utils/netutils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const appName = "replset-gateway"

// healthRefreshInterval bounds how long a connectivity change which produced
// no membership event (an auth cycle for instance) goes unreported.
const healthRefreshInterval = 1 * time.Second

type StartupInfo struct {
	InstanceID    string
	AdvertiseAddr string
	HealthPort    int
	Topology      *replset.ReplSet
}

type Config struct {
	Logger *zap.Logger

	Seeds   []string
	SetName string

	HaInterval            time.Duration
	MinHeartbeatFrequency time.Duration
	LocalThreshold        time.Duration
	SocketTimeout         time.Duration
	ConnectionTimeout     time.Duration
	ConnectStagger        time.Duration

	SecondaryOnly     bool
	UnreachablePolicy replset.UnreachablePolicy
	BufferMaxEntries  int
	Debug             bool

	AuthMechanism string
	AuthDB        string
	Username      string
	Password      string

	BindAddress string
	HealthPort  int

	// Daemon keeps retrying the initial connection, and rebuilds the topology
	// whenever it is destroyed.
	Daemon bool

	// NodeFactory defaults to the mongo-driver backed node.
	NodeFactory replset.NodeFactory

	EtcdClient *etcd.Client
	EtcdPrefix string
	InstanceID string

	StartupCallback func(*StartupInfo)
}

type Gateway struct {
	config Config
	logger *zap.Logger
	seeds  []replset.Seed

	shutdownSig chan struct{}
	isShutdown  bool

	topologyIDs *replset.SequentialIDGenerator

	lock     sync.Mutex
	topology *replset.ReplSet
	system   *system.System
}

func NewGateway(config *Config) (*Gateway, error) {
	cfg := *config

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.AuthDB == "" {
		cfg.AuthDB = "admin"
	}
	if cfg.AuthMechanism == "" {
		cfg.AuthMechanism = "default"
	}
	if cfg.NodeFactory == nil {
		cfg.NodeFactory = mongonode.NewFactory(&mongonode.Options{
			Logger:  cfg.Logger.Named("mongonode"),
			AppName: appName,
		})
	}

	seeds, err := replset.ParseSeeds(cfg.Seeds)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, errors.New("at least one seed must be provided")
	}

	return &Gateway{
		config:      cfg,
		logger:      cfg.Logger,
		seeds:       seeds,
		shutdownSig: make(chan struct{}),
		topologyIDs: replset.NewSequentialIDGenerator(),
	}, nil
}

func (g *Gateway) topologyOptions() *replset.Options {
	return &replset.Options{
		Logger:                         g.logger.Named("replset"),
		SetName:                        g.config.SetName,
		HaInterval:                     g.config.HaInterval,
		MinHeartbeatFrequency:          g.config.MinHeartbeatFrequency,
		LocalThreshold:                 g.config.LocalThreshold,
		SocketTimeout:                  g.config.SocketTimeout,
		ConnectionTimeout:              g.config.ConnectionTimeout,
		ConnectStagger:                 g.config.ConnectStagger,
		SecondaryOnlyConnectionAllowed: g.config.SecondaryOnly,
		UnreachablePolicy:              g.config.UnreachablePolicy,
		Debug:                          g.config.Debug,
		NodeFactory:                    g.config.NodeFactory,
		IDGenerator:                    g.topologyIDs,
		DisconnectHandler: opstore.New(&opstore.Options{
			Logger:     g.logger.Named("opstore"),
			MaxEntries: g.config.BufferMaxEntries,
		}),
	}
}

// connectOnce builds a fresh topology and waits for it to connect and
// authenticate.  The topology is destroyed on failure.
func (g *Gateway) connectOnce(ctx context.Context) (*replset.ReplSet, error) {
	rs, err := replset.New(g.seeds, g.topologyOptions())
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	err = rs.Connect(nil)
	if err != nil {
		_ = rs.Destroy(&replset.DestroyOptions{Force: true})
		return nil, backoff.Permanent(err)
	}

	err = rs.WaitUntilConnected(ctx)
	if err != nil {
		_ = rs.Destroy(&replset.DestroyOptions{Force: true})
		return nil, err
	}

	if g.config.Username != "" {
		err = rs.Auth(ctx, g.config.AuthMechanism, g.config.AuthDB, replset.Credentials{
			Username: g.config.Username,
			Password: g.config.Password,
		})
		if err != nil {
			_ = rs.Destroy(&replset.DestroyOptions{Force: true})
			return nil, errors.Wrap(err, "failed to authenticate")
		}
	}

	return rs, nil
}

func (g *Gateway) connect(ctx context.Context) (*replset.ReplSet, error) {
	if !g.config.Daemon {
		rs, err := g.connectOnce(ctx)
		if err != nil {
			var permanentErr *backoff.PermanentError
			if errors.As(err, &permanentErr) {
				return nil, permanentErr.Err
			}
			return nil, err
		}
		return rs, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (*replset.ReplSet, error) {
		return g.connectOnce(ctx)
	}, backoff.WithContext(b, ctx), func(err error, delay time.Duration) {
		g.logger.Warn("failed to connect to the replica set, retrying",
			zap.Error(err),
			zap.Duration("delay", delay))
	})
}

func (g *Gateway) Topology() *replset.ReplSet {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.topology
}

// Description describes the current topology, or returns nil before the
// first topology has connected.
func (g *Gateway) Description() *membership.TopologyDescription {
	rs := g.Topology()
	if rs == nil {
		return nil
	}
	return rs.Description()
}

// IsServing reports the health status last published by Run.
func (g *Gateway) IsServing() bool {
	g.lock.Lock()
	sys := g.system
	g.lock.Unlock()

	return sys != nil && sys.IsServing()
}

func (g *Gateway) setTopology(rs *replset.ReplSet) {
	g.lock.Lock()
	g.topology = rs
	g.lock.Unlock()
}

func (g *Gateway) isServing(rs *replset.ReplSet) bool {
	return !rs.IsDestroyed() && rs.IsConnected(nil)
}

// watchTopology mirrors the topology into the health server and the publish
// channel until the topology is destroyed or ctx ends.
func (g *Gateway) watchTopology(ctx context.Context, rs *replset.ReplSet, sys *system.System, publishCh chan<- *membership.TopologyDescription) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycleCh := rs.WatchLifecycle(watchCtx)
	membershipCh := rs.WatchMembership(watchCtx)

	refresh := func() {
		sys.SetServing(g.isServing(rs))
		if publishCh != nil {
			select {
			case publishCh <- rs.Description():
			case <-ctx.Done():
			}
		}
	}

	refresh()

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-lifecycleCh:
			if !ok {
				sys.SetServing(false)
				return
			}
			if evt.Type == replset.LifecycleError {
				g.logger.Warn("replica set topology error", zap.Error(evt.Err))
			}
			refresh()
		case evt, ok := <-membershipCh:
			if !ok {
				sys.SetServing(false)
				return
			}
			g.logger.Debug("membership changed",
				zap.String("type", string(evt.Type)),
				zap.String("address", evt.Address),
				zap.String("role", string(evt.Role)))
			refresh()
		case <-ticker.C:
			sys.SetServing(g.isServing(rs))
		case <-ctx.Done():
			return
		}
	}
}

// runPublisher joins the etcd instance list and publishes the latest
// topology description received on descCh until it closes.
func (g *Gateway) runPublisher(ctx context.Context, descCh <-chan *membership.TopologyDescription) error {
	publisher, err := etcdpublisher.New(&etcdpublisher.Options{
		Logger:     g.logger.Named("etcd-publisher"),
		EtcdClient: g.config.EtcdClient,
		KeyPrefix:  g.config.EtcdPrefix,
	})
	if err != nil {
		return err
	}

	registration, err := publisher.Join(ctx, &etcdpublisher.JoinOptions{
		InstanceID: g.config.InstanceID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to join instance list")
	}

	go func() {
		for desc := range latestonlychannel.Wrap(ctx, descCh) {
			err := registration.Publish(ctx, desc)
			if err != nil {
				g.logger.Warn("failed to publish topology description", zap.Error(err))
			}
		}

		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := registration.Leave(leaveCtx)
		if err != nil {
			g.logger.Warn("failed to leave instance list", zap.Error(err))
		}
	}()

	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.shutdownSig:
			cancel()
		case <-ctx.Done():
		}
	}()

	listeners, err := system.NewListeners(&system.ListenersOptions{
		Address:    g.config.BindAddress,
		HealthPort: g.config.HealthPort,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize listeners")
	}
	defer listeners.Close()

	sys, err := system.NewSystem(&system.SystemOptions{
		Logger: g.logger.Named("system"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize system")
	}

	g.lock.Lock()
	g.system = sys
	g.lock.Unlock()

	serveDone := make(chan struct{})
	go func() {
		_ = sys.Serve(ctx, listeners)
		close(serveDone)
	}()

	var publishCh chan *membership.TopologyDescription
	if g.config.EtcdClient != nil {
		publishCh = make(chan *membership.TopologyDescription)
		err := g.runPublisher(ctx, publishCh)
		if err != nil {
			cancel()
			<-serveDone
			return err
		}
		defer close(publishCh)
	}

	startupSent := false
	for {
		rs, err := g.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			cancel()
			<-serveDone
			return errors.Wrap(err, "failed to connect to the replica set")
		}

		g.setTopology(rs)

		if !startupSent {
			startupSent = true
			g.sendStartupInfo(rs, listeners.BoundHealthPort())
		}

		g.watchTopology(ctx, rs, sys, publishCh)

		if ctx.Err() != nil {
			_ = rs.Destroy(nil)
			break
		}

		if !g.config.Daemon {
			cancel()
			<-serveDone
			return replset.ErrTopologyDestroyed
		}

		g.logger.Warn("replica set topology was destroyed, rebuilding")
	}

	sys.SetServing(false)
	<-serveDone

	return nil
}

func (g *Gateway) sendStartupInfo(rs *replset.ReplSet, healthPort int) {
	advertiseAddr, err := netutils.GetAdvertiseAddress(g.config.BindAddress)
	if err != nil {
		g.logger.Warn("failed to determine advertise address", zap.Error(err))
	}

	g.logger.Info("replica set gateway started",
		zap.String("instanceId", g.config.InstanceID),
		zap.String("advertiseAddr", advertiseAddr),
		zap.Int("healthPort", healthPort),
		zap.Uint64("topologyId", rs.ID()))

	if g.config.StartupCallback != nil {
		g.config.StartupCallback(&StartupInfo{
			InstanceID:    g.config.InstanceID,
			AdvertiseAddr: advertiseAddr,
			HealthPort:    healthPort,
			Topology:      rs,
		})
	}
}

// Shutdown stops Run, destroying the current topology.  It may be called
// more than once.
func (g *Gateway) Shutdown() {
	g.lock.Lock()
	if g.isShutdown {
		g.lock.Unlock()
		return
	}
	g.isShutdown = true
	g.lock.Unlock()

	close(g.shutdownSig)
}
