/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/replset-gateway/utils/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type TopologyMetrics struct {
	HeartbeatDuration  metric.Float64Histogram
	HeartbeatFailures  metric.Int64Counter
	StateTransitions   metric.Int64Counter
	MembershipChanges  metric.Int64Counter
	DeferredOperations metric.Int64Counter
	RoutedOperations   metric.Int64Counter
	KnownMembers       metric.Int64UpDownCounter
}

var (
	topologyMetrics     *TopologyMetrics
	topologyMetricsLock sync.Mutex
)

func GetTopologyMetrics() *TopologyMetrics {
	topologyMetricsLock.Lock()

	if topologyMetrics != nil {
		topologyMetricsLock.Unlock()
		return topologyMetrics
	}

	topologyMetrics = newTopologyMetrics()

	topologyMetricsLock.Unlock()
	return topologyMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/replset-gateway")

func newTopologyMetrics() *TopologyMetrics {
	meter := otel.Meter(
		"com.couchbase.replset-gateway",
		metric.WithInstrumentationVersion(buildVersion))

	heartbeatDuration, _ := meter.Float64Histogram("replset_heartbeat_duration_seconds",
		metric.WithUnit("s"))
	heartbeatFailures, _ := meter.Int64Counter("replset_heartbeat_failures_total")
	stateTransitions, _ := meter.Int64Counter("replset_state_transitions_total")
	membershipChanges, _ := meter.Int64Counter("replset_membership_changes_total")
	deferredOperations, _ := meter.Int64Counter("replset_deferred_operations_total")
	routedOperations, _ := meter.Int64Counter("replset_routed_operations_total")
	knownMembers, _ := meter.Int64UpDownCounter("replset_members")

	return &TopologyMetrics{
		HeartbeatDuration:  heartbeatDuration,
		HeartbeatFailures:  heartbeatFailures,
		StateTransitions:   stateTransitions,
		MembershipChanges:  membershipChanges,
		DeferredOperations: deferredOperations,
		RoutedOperations:   routedOperations,
		KnownMembers:       knownMembers,
	}
}
