package replset

import (
	"context"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/couchbase/replset-gateway/utils/eventhub"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type LifecycleEventType string

const (
	LifecycleConnect   LifecycleEventType = "connect"
	LifecycleReconnect LifecycleEventType = "reconnect"
	LifecycleFullSetup LifecycleEventType = "fullsetup"
	LifecycleAll       LifecycleEventType = "all"
	LifecycleError     LifecycleEventType = "error"
)

type LifecycleEvent struct {
	Type       LifecycleEventType
	TopologyID uint64
	Err        error
}

type MembershipEventType string

const (
	MembershipJoined                     MembershipEventType = "joined"
	MembershipLeft                       MembershipEventType = "left"
	MembershipFailed                     MembershipEventType = "failed"
	MembershipTopologyDescriptionChanged MembershipEventType = "topologyDescriptionChanged"
)

type MembershipEvent struct {
	Type       MembershipEventType
	TopologyID uint64
	Role       membership.Role
	Address    string
	Err        error

	// Description is only set for topologyDescriptionChanged events.
	Description *membership.DescriptionChangedEvent
}

type DiagnosticEventType string

const (
	DiagnosticServerOpening            DiagnosticEventType = "serverOpening"
	DiagnosticServerDescriptionChanged DiagnosticEventType = "serverDescriptionChanged"
	DiagnosticServerClosed             DiagnosticEventType = "serverClosed"
	DiagnosticHeartbeatStarted         DiagnosticEventType = "serverHeartbeatStarted"
	DiagnosticHeartbeatSucceeded       DiagnosticEventType = "serverHeartbeatSucceeded"
	DiagnosticHeartbeatFailed          DiagnosticEventType = "serverHeartbeatFailed"
	DiagnosticPickedServer             DiagnosticEventType = "pickedServer"
	DiagnosticTopologyOpening          DiagnosticEventType = "topologyOpening"
	DiagnosticTopologyClosed           DiagnosticEventType = "topologyClosed"
)

type DiagnosticEvent struct {
	Type       DiagnosticEventType
	TopologyID uint64
	Address    string
	Duration   time.Duration
	Reply      *ismaster.Result
	Err        error

	// ReadPreference is only set for pickedServer events.
	ReadPreference *readpref.ReadPref
}

type eventHubs struct {
	lifecycle   *eventhub.Hub[*LifecycleEvent]
	membership  *eventhub.Hub[*MembershipEvent]
	diagnostics *eventhub.Hub[*DiagnosticEvent]
}

func newEventHubs() eventHubs {
	return eventHubs{
		lifecycle:   eventhub.New[*LifecycleEvent](),
		membership:  eventhub.New[*MembershipEvent](),
		diagnostics: eventhub.New[*DiagnosticEvent](),
	}
}

func (h eventHubs) close() {
	h.lifecycle.Close()
	h.membership.Close()
	h.diagnostics.Close()
}

// WatchLifecycle streams connect, reconnect, fullsetup, all and error events.
// The channel closes when ctx ends or the topology is destroyed.
func (rs *ReplSet) WatchLifecycle(ctx context.Context) <-chan *LifecycleEvent {
	return rs.hubs.lifecycle.Subscribe(ctx)
}

// WatchMembership streams joined, left, failed and
// topologyDescriptionChanged events.
func (rs *ReplSet) WatchMembership(ctx context.Context) <-chan *MembershipEvent {
	return rs.hubs.membership.Subscribe(ctx)
}

func (rs *ReplSet) WatchDiagnostics(ctx context.Context) <-chan *DiagnosticEvent {
	return rs.hubs.diagnostics.Subscribe(ctx)
}

func (rs *ReplSet) emitLifecycle(evtType LifecycleEventType, err error) {
	rs.hubs.lifecycle.Publish(&LifecycleEvent{
		Type:       evtType,
		TopologyID: rs.id,
		Err:        err,
	})
}

func (rs *ReplSet) emitMembership(evt *MembershipEvent) {
	evt.TopologyID = rs.id
	rs.hubs.membership.Publish(evt)
}

func (rs *ReplSet) emitDiagnostic(evt *DiagnosticEvent) {
	evt.TopologyID = rs.id
	rs.hubs.diagnostics.Publish(evt)
}
