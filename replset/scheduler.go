package replset

import (
	"time"

	"github.com/couchbase/replset-gateway/replset/opstore"
	"github.com/couchbase/replset-gateway/utils/hostutils"
	"go.uber.org/zap"
)

const initialSweepDelay = time.Millisecond

// startInitialSweepLocked schedules the one-shot sweep run once every seed
// has finished its handshake without the topology connecting.
func (rs *ReplSet) startInitialSweepLocked() {
	rs.timers.after("", initialSweepDelay, rs.runInitialSweep)
}

func (rs *ReplSet) runInitialSweep() {
	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		return
	}
	unknown := rs.members.UnknownServers()
	rs.lock.Unlock()

	res := rs.connectNewServers(unknown)

	rs.lock.Lock()
	if rs.isClosedLocked() || rs.state != StateConnecting {
		rs.lock.Unlock()
		return
	}

	var sweepErr error
	if !rs.members.HasPrimary() && !rs.opts.SecondaryOnlyConnectionAllowed {
		sweepErr = ErrNoPrimaryFound
	} else if !rs.members.HasSecondary() && rs.opts.SecondaryOnlyConnectionAllowed {
		sweepErr = ErrNoSecondaryFound
	}

	if sweepErr != nil {
		if lastErr := res.LastError(); lastErr != nil {
			sweepErr = lastErr
		}

		rs.logger.Warn("replica set unreachable",
			zap.Stringer("policy", rs.opts.UnreachablePolicy),
			zap.Error(sweepErr))
		rs.emitLifecycle(LifecycleError, sweepErr)

		if rs.opts.UnreachablePolicy == UnreachableDestroy {
			cleanup, _ := rs.destroyLocked(true)
			rs.lock.Unlock()
			if cleanup != nil {
				cleanup()
			}
			return
		}

		rs.timers.after("", rs.opts.MinHeartbeatFrequency, rs.runInitialSweep)
	}

	for _, host := range rs.members.KnownHosts() {
		host := host
		rs.timers.after(host, initialSweepDelay, func() {
			rs.monitorTick(host, true)
		})
	}

	rs.lock.Unlock()
}

// startMonitoringLocked moves the topology into steady state: one repeating
// heartbeat per known host plus the reconnect loop.
func (rs *ReplSet) startMonitoringLocked() {
	for _, host := range rs.members.KnownHosts() {
		rs.monitorServerLocked(host)
	}

	rs.timers.after("", rs.reconnectIntervalLocked(), rs.runReconnect)
}

func (rs *ReplSet) monitorServerLocked(host string) {
	host = hostutils.Key(host)
	if rs.timers.monitoring(host) {
		return
	}

	rs.timers.every(host, rs.opts.HaInterval, func() {
		rs.monitorTick(host, false)
	})
}

func (rs *ReplSet) reconnectIntervalLocked() time.Duration {
	if rs.members.HasPrimary() {
		return rs.opts.HaInterval
	}
	return rs.opts.MinHeartbeatFrequency
}

func (rs *ReplSet) runReconnect() {
	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		return
	}
	unknown := rs.members.UnknownServers()
	rs.lock.Unlock()

	res := rs.connectNewServers(unknown)
	if err := res.Err(); err != nil {
		rs.logger.Debug("reconnect sweep had failures",
			zap.Int("attempted", res.Total),
			zap.Error(err))
	}

	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.isClosedLocked() {
		return
	}

	rs.timers.after("", rs.reconnectIntervalLocked(), rs.runReconnect)
}

// monitorTick pings host and applies the resulting lifecycle transitions.
// initial marks the one-shot pings issued by the initial sweep.
func (rs *ReplSet) monitorTick(host string, initial bool) {
	if !rs.pingServer(host) {
		return
	}

	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.isClosedLocked() {
		return
	}

	if initial {
		if rs.state == StateConnecting && rs.canServeLocked() {
			_ = rs.transitionLocked(StateConnected)
			rs.connectSeen = true
			rs.emitLifecycle(LifecycleConnect, nil)
			rs.startMonitoringLocked()
		}
	} else {
		rs.reconnectLocked()
	}

	if rs.state == StateConnected {
		rs.reexecuteOperationsLocked()
	}

	rs.checkFullSetupLocked()
}

// reconnectLocked brings a disconnected topology back once a member able to
// serve it has joined again.
func (rs *ReplSet) reconnectLocked() {
	if rs.state != StateDisconnected || !rs.canServeLocked() {
		return
	}

	_ = rs.transitionLocked(StateConnecting)
	_ = rs.transitionLocked(StateConnected)

	rs.logger.Info("replica set reconnected")
	rs.reexecuteOperationsLocked()
	rs.emitLifecycle(LifecycleReconnect, nil)
}

func (rs *ReplSet) checkFullSetupLocked() {
	if !rs.connectSeen || rs.fullSetup || !rs.members.HasPrimaryAndSecondary() {
		return
	}

	rs.fullSetup = true
	rs.emitLifecycle(LifecycleFullSetup, nil)
	rs.emitLifecycle(LifecycleAll, nil)
}

// reexecuteOperationsLocked replays deferred operations the current
// membership can serve.
func (rs *ReplSet) reexecuteOperationsLocked() {
	handler := rs.opts.DisconnectHandler
	if handler == nil {
		return
	}

	switch {
	case rs.members.HasPrimaryAndSecondary():
		handler.Execute(opstore.ExecuteOptions{})
	case rs.members.HasPrimary():
		handler.Execute(opstore.ExecuteOptions{ExecutePrimary: true})
	case rs.members.HasSecondary():
		handler.Execute(opstore.ExecuteOptions{ExecuteSecondary: true})
	}
}
