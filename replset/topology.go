/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package replset implements a replica set topology: it discovers the
// members of a primary/secondary replication group, monitors them with
// periodic heartbeats and routes operations to the member able to serve
// them.
package replset

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/replset-gateway/pkg/metrics"
	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type ReplSet struct {
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.TopologyMetrics
	id      uint64
	opts    *Options
	seeds   []Seed
	hubs    eventHubs
	timers  *timerRegistry

	// closeCtx is cancelled once the topology is destroyed or unreferenced.
	closeCtx    context.Context
	closeCancel context.CancelFunc

	lock           sync.Mutex
	state          State
	members        *membership.State
	connecting     []Node
	inflight       []string
	authContexts   []*AuthContext
	authenticating bool
	ismaster       *ismaster.Result
	socketTimeout  time.Duration
	connectSeen    bool
	fullSetup      bool
}

// New validates the seed list and options and builds a disconnected
// topology.  No I/O happens until Connect is called.
func New(seeds []Seed, opts *Options) (*ReplSet, error) {
	if opts == nil {
		return nil, errors.New("options must be provided")
	}

	if err := validateSeeds(seeds); err != nil {
		return nil, err
	}

	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid replset options")
	}

	opts = opts.withDefaults()

	mechanisms := make([]string, len(opts.AuthMechanisms))
	for i, mech := range opts.AuthMechanisms {
		mechanisms[i] = strings.ToLower(mech)
	}
	opts.AuthMechanisms = mechanisms

	id := opts.IDGenerator.NextID()
	closeCtx, closeCancel := context.WithCancel(context.Background())

	rs := &ReplSet{
		logger:        opts.Logger.Named("replset").With(zap.Uint64("topologyId", id)),
		tracer:        otel.Tracer("github.com/couchbase/replset-gateway/replset"),
		metrics:       metrics.GetTopologyMetrics(),
		id:            id,
		opts:          opts,
		seeds:         slices.Clone(seeds),
		hubs:          newEventHubs(),
		timers:        newTimerRegistry(),
		closeCtx:      closeCtx,
		closeCancel:   closeCancel,
		state:         StateDisconnected,
		socketTimeout: opts.SocketTimeout,
	}

	rs.members = membership.New(&membership.Options{
		Logger:             rs.logger.Named("membership"),
		TopologyID:         id,
		SetName:            opts.SetName,
		AcceptableLatency:  opts.LocalThreshold,
		HeartbeatFrequency: opts.HaInterval,
		Handlers: membership.Handlers{
			Joined:                     rs.handleJoined,
			Left:                       rs.handleLeft,
			TopologyDescriptionChanged: rs.handleDescriptionChanged,
		},
	})

	return rs, nil
}

func (rs *ReplSet) handleJoined(role membership.Role, m *membership.Member) {
	rs.metrics.MembershipChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("change", "joined"),
		attribute.String("role", string(role))))
	rs.metrics.KnownMembers.Add(context.Background(), 1)

	rs.emitMembership(&MembershipEvent{
		Type:    MembershipJoined,
		Role:    role,
		Address: m.Name(),
	})
}

func (rs *ReplSet) handleLeft(role membership.Role, m *membership.Member) {
	rs.metrics.MembershipChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("change", "left"),
		attribute.String("role", string(role))))
	rs.metrics.KnownMembers.Add(context.Background(), -1)

	rs.emitMembership(&MembershipEvent{
		Type:    MembershipLeft,
		Role:    role,
		Address: m.Name(),
	})
}

func (rs *ReplSet) handleDescriptionChanged(evt *membership.DescriptionChangedEvent) {
	rs.emitMembership(&MembershipEvent{
		Type:        MembershipTopologyDescriptionChanged,
		Description: evt,
	})
}

func (rs *ReplSet) newNodeLocked(host string, port int) (Node, error) {
	node, err := rs.opts.NodeFactory.NewNode(&NodeOptions{
		Logger:            rs.logger.Named("node"),
		Host:              host,
		Port:              port,
		SetName:           rs.opts.SetName,
		SocketTimeout:     rs.socketTimeout,
		ConnectionTimeout: rs.opts.ConnectionTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create node for %s:%d", host, port)
	}

	return node, nil
}

// Connect starts discovery from the seed list.  Progress is reported through
// the lifecycle events, see also WaitUntilConnected.
func (rs *ReplSet) Connect(opts *ConnectOptions) error {
	rs.lock.Lock()

	socketTimeout := rs.opts.SocketTimeout
	if opts != nil && opts.SocketTimeout > 0 {
		socketTimeout = opts.SocketTimeout
	}

	if socketTimeout > 0 && socketTimeout <= rs.opts.HaInterval {
		rs.lock.Unlock()
		return &SocketTimeoutError{
			HaInterval:    rs.opts.HaInterval,
			SocketTimeout: socketTimeout,
		}
	}

	if !canTransition(rs.state, StateConnecting) {
		err := rs.transitionLocked(StateConnecting)
		rs.lock.Unlock()
		return err
	}

	rs.socketTimeout = socketTimeout

	nodes := make([]Node, 0, len(rs.seeds))
	for _, seed := range rs.seeds {
		node, err := rs.newNodeLocked(seed.Host, seed.Port)
		if err != nil {
			rs.lock.Unlock()
			for _, node := range nodes {
				node.Destroy(true)
			}
			return err
		}
		nodes = append(nodes, node)
	}

	_ = rs.transitionLocked(StateConnecting)
	rs.connecting = append(rs.connecting, nodes...)
	rs.emitDiagnostic(&DiagnosticEvent{Type: DiagnosticTopologyOpening})

	rs.logger.Info("connecting to replica set",
		zap.String("setName", rs.opts.SetName),
		zap.Int("seeds", len(nodes)))

	rs.lock.Unlock()

	for i, node := range nodes {
		go rs.connectSeed(node, time.Duration(i)*rs.opts.ConnectStagger)
	}

	return nil
}

// WaitUntilConnected blocks until the topology connects, is destroyed, or
// ctx ends.
func (rs *ReplSet) WaitUntilConnected(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	evtCh := rs.WatchLifecycle(watchCtx)

	rs.lock.Lock()
	state := rs.state
	rs.lock.Unlock()

	switch state {
	case StateConnected:
		return nil
	case StateDestroyed, StateUnreferenced:
		return ErrTopologyDestroyed
	}

	for {
		select {
		case evt, ok := <-evtCh:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrTopologyDestroyed
			}

			switch evt.Type {
			case LifecycleConnect, LifecycleReconnect:
				return nil
			case LifecycleError:
				if rs.IsDestroyed() {
					return evt.Err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// destroyLocked tears the topology down.  The returned cleanup must be run
// after the lock is released.
func (rs *ReplSet) destroyLocked(force bool) (func(), error) {
	alreadyDestroyed := rs.state == StateDestroyed

	if err := rs.transitionLocked(StateDestroyed); err != nil {
		return nil, err
	}
	if alreadyDestroyed {
		return func() {}, nil
	}

	rs.timers.stopAll()
	rs.closeCancel()

	rs.members.Destroy(force)
	rs.authContexts = nil

	connecting := rs.connecting
	rs.connecting = nil

	rs.logger.Info("replica set topology destroyed")

	return func() {
		for _, node := range connecting {
			node.Destroy(force)
		}

		if rs.opts.DisconnectHandler != nil {
			rs.opts.DisconnectHandler.Flush(ErrTopologyDestroyed)
		}

		rs.emitDiagnostic(&DiagnosticEvent{Type: DiagnosticTopologyClosed})
		rs.hubs.close()
	}, nil
}

// Destroy stops every timer, tears down every node and fails any deferred
// operation.  Calling it again is a no-op.
func (rs *ReplSet) Destroy(opts *DestroyOptions) error {
	force := opts != nil && opts.Force

	rs.lock.Lock()
	cleanup, err := rs.destroyLocked(force)
	rs.lock.Unlock()

	if err != nil {
		return err
	}

	cleanup()
	return nil
}

// Unref detaches the topology's timers and tells every member it no longer
// needs to be kept alive.
func (rs *ReplSet) Unref() error {
	rs.lock.Lock()

	if err := rs.transitionLocked(StateUnreferenced); err != nil {
		rs.lock.Unlock()
		return err
	}

	rs.timers.stopAll()
	rs.closeCancel()
	servers := rs.members.AllServers(false)

	rs.lock.Unlock()

	for _, m := range servers {
		m.Node().(Node).Unref()
	}

	return nil
}

// IsConnected reports whether the current membership can serve the read
// preference.  It always reports false while an auth or logout cycle runs.
func (rs *ReplSet) IsConnected(rp *readpref.ReadPref) bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.authenticating {
		return false
	}

	if rp != nil {
		switch rp.Mode() {
		case readpref.SecondaryMode:
			return rs.members.HasSecondary()
		case readpref.PrimaryMode:
			return rs.members.HasPrimary()
		case readpref.PrimaryPreferredMode, readpref.SecondaryPreferredMode:
			return rs.members.HasPrimaryOrSecondary()
		}
	}

	if rs.opts.SecondaryOnlyConnectionAllowed && rs.members.HasSecondary() {
		return true
	}

	return rs.members.HasPrimary()
}

func (rs *ReplSet) HasPrimary() bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	return rs.members.HasPrimary()
}

func (rs *ReplSet) HasSecondary() bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	return rs.members.HasSecondary()
}

// GetServer returns the member selected for the read preference, or nil.
func (rs *ReplSet) GetServer(rp *readpref.ReadPref) Node {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	m, err := rs.members.PickServer(rp)
	if rs.opts.Debug {
		rs.emitPickedServer(rp, m)
	}
	if err != nil {
		rs.logger.Debug("server selection failed", zap.Error(err))
		return nil
	}
	if m == nil {
		return nil
	}

	return m.Node().(Node)
}

func (rs *ReplSet) GetConnection(rp *readpref.ReadPref) *ConnectionInfo {
	node := rs.GetServer(rp)
	if node == nil {
		return nil
	}

	return node.GetConnection()
}

// GetServers returns every joined member, primary first.
func (rs *ReplSet) GetServers() []Node {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	var nodes []Node
	for _, m := range rs.members.AllServers(false) {
		nodes = append(nodes, m.Node().(Node))
	}
	return nodes
}

func (rs *ReplSet) Connections() []ConnectionInfo {
	var conns []ConnectionInfo
	for _, node := range rs.GetServers() {
		conns = append(conns, node.Connections()...)
	}
	return conns
}

// LastIsMaster returns the most relevant role descriptor: a secondary's when
// only secondaries are usable, else the primary's, else the last cached one.
func (rs *ReplSet) LastIsMaster() *ismaster.Result {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.opts.SecondaryOnlyConnectionAllowed && !rs.members.HasPrimary() && rs.members.HasSecondary() {
		return rs.members.Secondaries()[0].LastIsMaster()
	}

	if primary := rs.members.Primary(); primary != nil {
		return primary.LastIsMaster()
	}

	return rs.ismaster
}

func (rs *ReplSet) State() State {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	return rs.state
}

func (rs *ReplSet) ID() uint64 {
	return rs.id
}

func (rs *ReplSet) IsDestroyed() bool {
	return rs.State() == StateDestroyed
}

// Description returns a snapshot of the current membership.
func (rs *ReplSet) Description() *membership.TopologyDescription {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	return rs.members.Description()
}

func (rs *ReplSet) canServeLocked() bool {
	return rs.members.HasPrimary() ||
		(rs.opts.SecondaryOnlyConnectionAllowed && rs.members.HasSecondary())
}

// markDisconnectedLocked drops a connected topology to disconnected once no
// remaining member can serve it.
func (rs *ReplSet) markDisconnectedLocked() {
	if rs.state != StateConnected || rs.canServeLocked() {
		return
	}

	rs.logger.Warn("lost every member able to serve the replica set")
	_ = rs.transitionLocked(StateDisconnected)
}

// sleep waits for d, returning false if the topology closes first.
func (rs *ReplSet) sleep(d time.Duration) bool {
	if d <= 0 {
		return rs.closeCtx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-rs.closeCtx.Done():
		return false
	}
}
