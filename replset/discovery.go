package replset

import (
	"context"
	"time"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/couchbase/replset-gateway/utils/fanin"
	"github.com/couchbase/replset-gateway/utils/hostutils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const defaultPort = 27017

// handshake connects node and replays the given auth contexts against it.
// It returns the time the connect itself took.
func (rs *ReplSet) handshake(node Node, authContexts []*AuthContext) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(rs.closeCtx, rs.opts.ConnectionTimeout)
	start := time.Now()
	err := node.Connect(ctx)
	rtt := time.Since(start)
	cancel()

	if err != nil {
		return rtt, err
	}

	if err := rs.applyAuthContexts(node, authContexts); err != nil {
		return rtt, errors.Wrap(err, "failed to replay authentication")
	}

	return rtt, nil
}

// newConnectedMember wraps a freshly connected node with its handshake data.
func newConnectedMember(node Node, rtt time.Duration) *membership.Member {
	m := membership.NewMember(node, node.LastIsMaster())
	m.RecordRoundTrip(rtt)
	m.SetLastUpdateTime(time.Now())
	return m
}

func (rs *ReplSet) removeConnectingLocked(node Node) {
	idx := slices.Index(rs.connecting, node)
	if idx >= 0 {
		rs.connecting = slices.Delete(rs.connecting, idx, idx+1)
	}
}

// connectSeed performs the initial handshake of one seed node.
func (rs *ReplSet) connectSeed(node Node, delay time.Duration) {
	if !rs.sleep(delay) {
		node.Destroy(true)
		return
	}

	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		node.Destroy(true)
		return
	}

	// registers the address so the sweep knows about it even if the
	// handshake fails
	_, _ = rs.members.Update(membership.NewMember(node, nil))
	authContexts := slices.Clone(rs.authContexts)

	rs.lock.Unlock()

	node.SetEventHandler(rs.handleNodeEvent)

	rtt, err := rs.handshake(node, authContexts)

	rs.lock.Lock()
	cleanup := rs.admitSeedLocked(node, rtt, err)
	rs.lock.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

func (rs *ReplSet) admitSeedLocked(node Node, rtt time.Duration, connectErr error) func() {
	if rs.isClosedLocked() {
		node.Destroy(true)
		return nil
	}

	defer func() {
		rs.removeConnectingLocked(node)
		if len(rs.connecting) == 0 && rs.state == StateConnecting {
			rs.startInitialSweepLocked()
		}
	}()

	if connectErr != nil {
		rs.logger.Debug("failed to connect to seed",
			zap.String("address", node.Name()),
			zap.Error(connectErr))

		rs.emitMembership(&MembershipEvent{
			Type:    MembershipFailed,
			Address: node.Name(),
			Err:     connectErr,
		})
		rs.members.Remove(node.Name(), false)
		node.Destroy(true)
		return nil
	}

	m := newConnectedMember(node, rtt)
	admitted, err := rs.members.Update(m)
	if err != nil {
		rs.logger.Error("seed belongs to a different replica set",
			zap.String("address", node.Name()),
			zap.Error(err))

		node.Destroy(true)
		rs.emitLifecycle(LifecycleError, err)

		cleanup, _ := rs.destroyLocked(true)
		return cleanup
	}

	if !admitted {
		node.Destroy(true)
		return nil
	}

	if res := m.LastIsMaster(); res != nil && res.IsMaster {
		rs.ismaster = res
	}

	if rs.state == StateConnecting && rs.canServeLocked() {
		_ = rs.transitionLocked(StateConnected)
		rs.connectSeen = true

		rs.logger.Info("connected to replica set",
			zap.String("address", node.Name()))
		rs.emitLifecycle(LifecycleConnect, nil)
		rs.startMonitoringLocked()
	} else if rs.connectSeen {
		// monitoring already started without this seed, which the members
		// seen so far may not list
		rs.monitorServerLocked(memberAddress(node, m))
		rs.reexecuteOperationsLocked()
		rs.reconnectLocked()
	}

	rs.checkFullSetupLocked()
	return nil
}

// memberAddress is the address a member is monitored under, its self
// reported name when it has one.
func memberAddress(node Node, m *membership.Member) string {
	if res := m.LastIsMaster(); res != nil && res.Me != "" {
		return res.Me
	}
	return node.Name()
}

// connectNewServers connects to every given host not already joined or
// mid-handshake.  It returns once every attempt has settled.
func (rs *ReplSet) connectNewServers(hosts []string) *fanin.Result {
	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		return &fanin.Result{}
	}

	var targets []string
	for _, host := range hostutils.RemoveDuplicates(hosts) {
		if hostutils.Contains(rs.inflight, host) || rs.members.Get(host) != nil {
			continue
		}
		rs.inflight = append(rs.inflight, hostutils.Key(host))
		targets = append(targets, host)
	}

	rs.lock.Unlock()

	var group fanin.Group
	for i, host := range targets {
		host := host
		delay := time.Duration(i) * rs.opts.ConnectStagger
		group.Go(func() error {
			return rs.connectNewServer(host, delay)
		})
	}
	res := group.Wait()

	rs.lock.Lock()
	for _, host := range targets {
		rs.inflight = hostutils.Remove(rs.inflight, host)
	}
	rs.lock.Unlock()

	return res
}

func (rs *ReplSet) connectNewServer(address string, delay time.Duration) error {
	if !rs.sleep(delay) {
		return nil
	}

	host, port, err := hostutils.SplitHostPort(address, defaultPort)
	if err != nil {
		return err
	}

	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		return nil
	}
	node, err := rs.newNodeLocked(host, port)
	rs.lock.Unlock()
	if err != nil {
		return err
	}

	node.SetEventHandler(rs.handleNodeEvent)

	ctx, cancel := context.WithTimeout(rs.closeCtx, rs.opts.ConnectionTimeout)
	start := time.Now()
	err = node.Connect(ctx)
	rtt := time.Since(start)
	cancel()

	if err != nil {
		node.Destroy(true)
		return &NodeError{Address: address, Cause: err}
	}

	rs.lock.Lock()
	if rs.isClosedLocked() || rs.authenticating {
		rs.lock.Unlock()
		node.Destroy(true)
		return nil
	}
	authContexts := slices.Clone(rs.authContexts)
	rs.lock.Unlock()

	if err := rs.applyAuthContexts(node, authContexts); err != nil {
		node.Destroy(true)
		return &NodeError{Address: address, Cause: errors.Wrap(err, "failed to replay authentication")}
	}

	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.isClosedLocked() {
		node.Destroy(true)
		return nil
	}

	m := newConnectedMember(node, rtt)
	admitted, err := rs.members.Update(m)
	if err != nil {
		node.Destroy(true)
		return &NodeError{Address: address, Cause: err}
	}
	if !admitted {
		node.Destroy(true)
		return nil
	}

	res := m.LastIsMaster()
	if res.IsMaster {
		rs.ismaster = res
	}

	rs.monitorServerLocked(memberAddress(node, m))

	rs.reexecuteOperationsLocked()
	rs.reconnectLocked()
	rs.checkFullSetupLocked()

	return nil
}

// handleNodeEvent receives every event emitted by a node created by this
// topology.
func (rs *ReplSet) handleNodeEvent(node Node, evt *NodeEvent) {
	switch evt.Type {
	case NodeEventServerOpening:
		rs.emitDiagnostic(&DiagnosticEvent{Type: DiagnosticServerOpening, Address: node.Name()})
		return
	case NodeEventServerDescriptionChanged:
		rs.emitDiagnostic(&DiagnosticEvent{Type: DiagnosticServerDescriptionChanged, Address: node.Name()})
		return
	case NodeEventServerClosed:
		rs.emitDiagnostic(&DiagnosticEvent{Type: DiagnosticServerClosed, Address: node.Name()})
		return
	}

	if !evt.Type.isFailure() {
		return
	}

	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.isClosedLocked() {
		return
	}

	// failures before admission are reported by Connect itself
	m := rs.members.Get(node.Name())
	if m == nil || m.Node() != node {
		return
	}

	rs.logger.Debug("member connection failed",
		zap.String("address", node.Name()),
		zap.String("event", string(evt.Type)),
		zap.Error(evt.Err))

	rs.members.Remove(node.Name(), false)
	if rs.members.Get(node.Name()) == nil {
		node.Destroy(false)
	}

	rs.markDisconnectedLocked()
}
