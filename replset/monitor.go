package replset

import (
	"context"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// pingServer runs one heartbeat against the member joined for host.  It
// returns false if no member is currently joined for that host.
func (rs *ReplSet) pingServer(host string) bool {
	rs.lock.Lock()
	if rs.isClosedLocked() {
		rs.lock.Unlock()
		return false
	}

	m := rs.members.Get(host)
	if m == nil {
		rs.lock.Unlock()
		return false
	}
	node := m.Node().(Node)

	rs.lock.Unlock()

	rs.emitDiagnostic(&DiagnosticEvent{
		Type:    DiagnosticHeartbeatStarted,
		Address: node.Name(),
	})

	ctx, span := rs.tracer.Start(rs.closeCtx, "heartbeat",
		trace.WithAttributes(attribute.String("server.address", node.Name())))
	ctx, cancel := context.WithTimeout(ctx, rs.opts.ConnectionTimeout)

	start := time.Now()
	raw, err := node.Command(ctx, "admin.$cmd", ismaster.Command, &CommandOptions{
		Monitoring:    true,
		SocketTimeout: rs.opts.ConnectionTimeout,
	})
	latency := time.Since(start)
	cancel()

	var res *ismaster.Result
	if err == nil {
		res, err = ismaster.Parse(raw)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	rs.metrics.HeartbeatDuration.Record(context.Background(), latency.Seconds())

	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.isClosedLocked() {
		node.Destroy(true)
		return true
	}

	// the member left or was replaced while the heartbeat was in flight
	if rs.members.Get(host) != m {
		return true
	}

	m.SetLastUpdateTime(time.Now())

	if err != nil {
		rs.logger.Debug("heartbeat failed",
			zap.String("address", node.Name()),
			zap.Duration("duration", latency),
			zap.Error(err))

		rs.metrics.HeartbeatFailures.Add(context.Background(), 1)
		rs.emitDiagnostic(&DiagnosticEvent{
			Type:     DiagnosticHeartbeatFailed,
			Address:  node.Name(),
			Duration: latency,
			Err:      err,
		})

		rs.members.Remove(node.Name(), true)
		node.Destroy(true)
		rs.markDisconnectedLocked()
	} else {
		m.SetLastIsMaster(res)
		m.RecordRoundTrip(latency)

		if _, err := rs.members.Update(m); err != nil {
			rs.logger.Warn("heartbeat reply rejected",
				zap.String("address", node.Name()),
				zap.Error(err))
		}

		if rs.members.Primary() == m {
			rs.ismaster = res
		}

		rs.emitDiagnostic(&DiagnosticEvent{
			Type:     DiagnosticHeartbeatSucceeded,
			Address:  node.Name(),
			Duration: latency,
			Reply:    res,
		})
	}

	rs.members.UpdateServerMaxStaleness(m, rs.opts.HaInterval)

	return true
}
