package membership

import (
	"math"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/utils/hostutils"
)

// Node is the subset of a server connection the membership state needs.
type Node interface {
	Name() string
	IsConnected() bool
	Destroy(force bool)
}

// Member wraps a node together with the monitoring data collected for it.
// A Member is owned by the topology and must only be mutated while holding
// the topology lock.
type Member struct {
	node Node

	isMaster       *ismaster.Result
	roundTrip      time.Duration
	hasRoundTrip   bool
	lastUpdateTime time.Time
	lastWriteDate  time.Time
	staleness      time.Duration
}

func NewMember(node Node, isMaster *ismaster.Result) *Member {
	m := &Member{
		node: node,
	}
	m.SetLastIsMaster(isMaster)
	return m
}

func (m *Member) Node() Node {
	return m.node
}

func (m *Member) Name() string {
	return m.node.Name()
}

func (m *Member) LastIsMaster() *ismaster.Result {
	return m.isMaster
}

// SetLastIsMaster records the latest role descriptor reported by the node.
func (m *Member) SetLastIsMaster(res *ismaster.Result) {
	m.isMaster = res
	if lastWrite := res.LastWriteDate(); !lastWrite.IsZero() {
		m.lastWriteDate = lastWrite
	}
}

// RecordRoundTrip folds a new latency sample into the member's estimate.
// The first sample is stored as-is, later ones are smoothed with an
// exponentially weighted moving average (alpha 0.2).
func (m *Member) RecordRoundTrip(sample time.Duration) time.Duration {
	if !m.hasRoundTrip {
		m.roundTrip = sample
		m.hasRoundTrip = true
		return m.roundTrip
	}

	m.roundTrip = time.Duration(math.Round(0.2*float64(sample) + 0.8*float64(m.roundTrip)))
	return m.roundTrip
}

func (m *Member) RoundTripTime() time.Duration {
	return m.roundTrip
}

func (m *Member) HasRoundTripTime() bool {
	return m.hasRoundTrip
}

func (m *Member) LastUpdateTime() time.Time {
	return m.lastUpdateTime
}

func (m *Member) SetLastUpdateTime(t time.Time) {
	m.lastUpdateTime = t
}

func (m *Member) LastWriteDate() time.Time {
	return m.lastWriteDate
}

func (m *Member) Staleness() time.Duration {
	return m.staleness
}

func (m *Member) isNamed(name string) bool {
	return m != nil && hostutils.Equal(m.Name(), name)
}
