package membership

import (
	"testing"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/tag"
)

type testNode struct {
	name      string
	connected bool
	destroyed bool
}

func (n *testNode) Name() string      { return n.name }
func (n *testNode) IsConnected() bool { return n.connected && !n.destroyed }
func (n *testNode) Destroy(force bool) {
	n.destroyed = true
}

type roleEvent struct {
	Role    Role
	Address string
}

type stateRecorder struct {
	joined  []roleEvent
	left    []roleEvent
	changes []*DescriptionChangedEvent
}

func newTestState(t *testing.T, setName string) (*State, *stateRecorder) {
	rec := &stateRecorder{}
	s := New(&Options{
		TopologyID: 7,
		SetName:    setName,
		Handlers: Handlers{
			Joined: func(role Role, m *Member) {
				rec.joined = append(rec.joined, roleEvent{role, m.Name()})
			},
			Left: func(role Role, m *Member) {
				rec.left = append(rec.left, roleEvent{role, m.Name()})
			},
			TopologyDescriptionChanged: func(evt *DescriptionChangedEvent) {
				rec.changes = append(rec.changes, evt)
			},
		},
	})
	return s, rec
}

var testHosts = []string{"a:27017", "b:27017", "c:27017"}

func primaryDesc(me string) *ismaster.Result {
	return &ismaster.Result{
		IsMaster:       true,
		SetName:        "rs0",
		Me:             me,
		Hosts:          testHosts,
		MaxWireVersion: 6,
	}
}

func secondaryDesc(me string) *ismaster.Result {
	return &ismaster.Result{
		Secondary:      true,
		SetName:        "rs0",
		Me:             me,
		Hosts:          testHosts,
		Primary:        "a:27017",
		MaxWireVersion: 6,
	}
}

func newTestMember(name string, res *ismaster.Result) *Member {
	return NewMember(&testNode{name: name, connected: true}, res)
}

func TestUpdateUnknownServer(t *testing.T) {
	s, _ := newTestState(t, "rs0")

	ok, err := s.Update(newTestMember("a:27017", nil))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"a:27017"}, s.UnknownServers())
	require.Equal(t, ServerUnknown, s.ServerType("A:27017"))
}

func TestUpdatePrimaryAndSecondary(t *testing.T) {
	s, rec := newTestState(t, "rs0")

	primary := newTestMember("a:27017", primaryDesc("a:27017"))
	ok, err := s.Update(primary)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, s.HasPrimary())
	require.False(t, s.HasSecondary())
	require.Equal(t, TopologyReplicaSetWithPrimary, s.TopologyType())
	require.ElementsMatch(t, []string{"b:27017", "c:27017"}, s.UnknownServers())

	secondary := newTestMember("b:27017", secondaryDesc("b:27017"))
	ok, err = s.Update(secondary)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, s.HasPrimaryAndSecondary())
	require.Equal(t, []string{"c:27017"}, s.UnknownServers())
	require.Same(t, secondary, s.Get("B:27017"))
	require.Len(t, s.AllServers(false), 2)

	// a repeated update of a joined secondary changes nothing
	ok, err = s.Update(secondary)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, []roleEvent{
		{RolePrimary, "a:27017"},
		{RoleSecondary, "b:27017"},
	}, rec.joined)

	lastChange := rec.changes[len(rec.changes)-1]
	require.Equal(t, uint64(7), lastChange.TopologyID)
	require.Equal(t, []string{"b:27017"}, lastChange.Diff.Added)
	require.Len(t, lastChange.NewDescription.Servers, 2)
}

func TestUpdateSetNameMismatch(t *testing.T) {
	s, _ := newTestState(t, "rs1")

	ok, err := s.Update(newTestMember("a:27017", primaryDesc("a:27017")))
	require.False(t, ok)

	var mismatchErr *SetNameMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Equal(t, "rs0", mismatchErr.Reported)
	require.Equal(t, "rs1", mismatchErr.Expected)
	require.False(t, s.HasPrimary())
}

func TestUpdatePrimaryNotInHosts(t *testing.T) {
	s, _ := newTestState(t, "")

	res := primaryDesc("z:27017")
	ok, err := s.Update(newTestMember("z:27017", res))
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.HasPrimary())
}

func TestPrimaryReplacement(t *testing.T) {
	lowID, _ := primitive.ObjectIDFromHex("000000000000000000000001")
	highID, _ := primitive.ObjectIDFromHex("000000000000000000000002")

	s, rec := newTestState(t, "rs0")

	oldRes := primaryDesc("a:27017")
	oldRes.ElectionID = lowID
	oldRes.SetVersion = 1
	oldPrimary := newTestMember("a:27017", oldRes)
	ok, err := s.Update(oldPrimary)
	require.NoError(t, err)
	require.True(t, ok)

	newRes := primaryDesc("b:27017")
	newRes.ElectionID = highID
	newRes.SetVersion = 1
	newPrimary := newTestMember("b:27017", newRes)
	ok, err = s.Update(newPrimary)
	require.NoError(t, err)
	require.True(t, ok)

	require.Same(t, newPrimary, s.Primary())
	require.True(t, oldPrimary.Node().(*testNode).destroyed)
	require.Equal(t, []roleEvent{
		{RolePrimary, "a:27017"},
	}, rec.left)
	require.Equal(t, roleEvent{RolePrimary, "b:27017"}, rec.joined[len(rec.joined)-1])

	// a primary claiming an older election is ignored
	staleRes := primaryDesc("c:27017")
	staleRes.ElectionID = lowID
	staleRes.SetVersion = 1
	ok, err = s.Update(newTestMember("c:27017", staleRes))
	require.NoError(t, err)
	require.False(t, ok)
	require.Same(t, newPrimary, s.Primary())
}

func TestPrimaryStepDown(t *testing.T) {
	s, rec := newTestState(t, "rs0")

	member := newTestMember("a:27017", primaryDesc("a:27017"))
	_, err := s.Update(member)
	require.NoError(t, err)

	member.SetLastIsMaster(secondaryDesc("a:27017"))
	ok, err := s.Update(member)
	require.NoError(t, err)
	require.True(t, ok)

	require.False(t, s.HasPrimary())
	require.True(t, s.HasSecondary())
	require.False(t, member.Node().(*testNode).destroyed)
	require.Equal(t, TopologyReplicaSetNoPrimary, s.TopologyType())
	require.Equal(t, []roleEvent{{RolePrimary, "a:27017"}}, rec.left)
}

func TestUpdateMeMismatch(t *testing.T) {
	s, _ := newTestState(t, "rs0")

	member := newTestMember("localhost:27017", secondaryDesc("b:27017"))
	ok, err := s.Update(member)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, member.Node().(*testNode).destroyed)
	require.Equal(t, ServerPossiblePrimary, s.ServerType("a:27017"))
	require.Nil(t, s.Get("localhost:27017"))
}

func TestUpdateRejectedRoles(t *testing.T) {
	t.Run("Mongos", func(t *testing.T) {
		s, _ := newTestState(t, "")
		ok, err := s.Update(newTestMember("a:27017", &ismaster.Result{IsMaster: true, Msg: ismaster.MongosMsg}))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("Standalone", func(t *testing.T) {
		s, _ := newTestState(t, "")
		ok, err := s.Update(newTestMember("a:27017", &ismaster.Result{IsMaster: true}))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, TopologyUnknown, s.TopologyType())
		require.Contains(t, s.UnknownServers(), "a:27017")
	})

	t.Run("Hidden", func(t *testing.T) {
		s, _ := newTestState(t, "")
		res := secondaryDesc("a:27017")
		res.Hidden = true
		ok, err := s.Update(newTestMember("a:27017", res))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, ServerRSOther, s.ServerType("a:27017"))
		require.Equal(t, "rs0", s.SetName())
	})

	t.Run("Ghost", func(t *testing.T) {
		s, _ := newTestState(t, "")
		ok, err := s.Update(newTestMember("a:27017", &ismaster.Result{IsReplicaSet: true}))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, ServerRSGhost, s.ServerType("a:27017"))
	})

	t.Run("SecondaryWrongSet", func(t *testing.T) {
		s, _ := newTestState(t, "rs1")
		ok, err := s.Update(newTestMember("b:27017", secondaryDesc("b:27017")))
		require.NoError(t, err)
		require.False(t, ok)
		require.False(t, s.HasSecondary())
	})
}

func TestArbiterAndPassive(t *testing.T) {
	s, rec := newTestState(t, "rs0")

	arbiter := newTestMember("c:27017", &ismaster.Result{ArbiterOnly: true, SetName: "rs0", Hosts: testHosts})
	ok, err := s.Update(arbiter)
	require.NoError(t, err)
	require.True(t, ok)

	// passive members also report themselves as secondaries
	passiveRes := secondaryDesc("d:27017")
	passiveRes.Passive = true
	passive := newTestMember("d:27017", passiveRes)
	ok, err = s.Update(passive)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(passive)
	require.NoError(t, err)
	require.False(t, ok)

	require.Len(t, s.Arbiters(), 1)
	require.Len(t, s.Secondaries(), 1)
	require.Empty(t, s.Passives())
	require.Len(t, s.AllServers(true), 1)
	require.Len(t, s.AllServers(false), 2)
	require.Equal(t, []roleEvent{
		{RoleArbiter, "c:27017"},
		{RoleSecondary, "d:27017"},
	}, rec.joined)
}

func TestRemove(t *testing.T) {
	s, rec := newTestState(t, "rs0")

	primary := newTestMember("a:27017", primaryDesc("a:27017"))
	_, err := s.Update(primary)
	require.NoError(t, err)

	// a failed duplicate connection does not evict a healthy member
	s.Remove("A:27017", false)
	require.True(t, s.HasPrimary())
	require.Empty(t, rec.left)

	s.Remove("a:27017", true)
	require.False(t, s.HasPrimary())
	require.Equal(t, TopologyReplicaSetNoPrimary, s.TopologyType())
	require.Contains(t, s.UnknownServers(), "a:27017")
	require.Equal(t, []roleEvent{{RolePrimary, "a:27017"}}, rec.left)
	require.Equal(t, ServerUnknown, s.ServerType("a:27017"))

	// removing an address which never joined only marks it unknown
	s.Remove("z:27017", false)
	require.Len(t, rec.left, 1)
	require.Contains(t, s.UnknownServers(), "z:27017")
}

func TestDestroy(t *testing.T) {
	s, _ := newTestState(t, "rs0")

	primary := newTestMember("a:27017", primaryDesc("a:27017"))
	secondary := newTestMember("b:27017", secondaryDesc("b:27017"))
	_, _ = s.Update(primary)
	_, _ = s.Update(secondary)

	s.Destroy(true)

	require.False(t, s.HasPrimaryOrSecondary())
	require.Empty(t, s.UnknownServers())
	require.Empty(t, s.KnownHosts())
	require.True(t, primary.Node().(*testNode).destroyed)
	require.True(t, secondary.Node().(*testNode).destroyed)
}

func TestUpdateServerMaxStaleness(t *testing.T) {
	s, _ := newTestState(t, "rs0")
	base := time.Unix(10000, 0)

	primaryRes := primaryDesc("a:27017")
	primaryRes.LastWrite = &ismaster.LastWrite{LastWriteDate: base}
	primary := newTestMember("a:27017", primaryRes)
	primary.SetLastUpdateTime(base.Add(1 * time.Second))

	secondaryRes := secondaryDesc("b:27017")
	secondaryRes.LastWrite = &ismaster.LastWrite{LastWriteDate: base.Add(-30 * time.Second)}
	secondary := newTestMember("b:27017", secondaryRes)
	secondary.SetLastUpdateTime(base.Add(2 * time.Second))

	_, _ = s.Update(secondary)

	// no primary, compared against the freshest secondary
	s.UpdateServerMaxStaleness(secondary, 10*time.Second)
	assert.Equal(t, 10*time.Second, secondary.Staleness())

	_, _ = s.Update(primary)

	// (2s + 30s) - (1s) + 10s
	s.UpdateServerMaxStaleness(secondary, 10*time.Second)
	assert.Equal(t, 41*time.Second, secondary.Staleness())

	// primaries are never considered stale
	s.UpdateServerMaxStaleness(primary, 10*time.Second)
	assert.Equal(t, time.Duration(0), primary.Staleness())
}

func setupPickState(t *testing.T) (*State, *Member, *Member, *Member) {
	s, _ := newTestState(t, "rs0")

	primary := newTestMember("a:27017", primaryDesc("a:27017"))
	primary.RecordRoundTrip(5 * time.Millisecond)

	nearRes := secondaryDesc("b:27017")
	nearRes.Tags = map[string]string{"dc": "east"}
	near := newTestMember("b:27017", nearRes)
	near.RecordRoundTrip(1 * time.Millisecond)

	farRes := secondaryDesc("c:27017")
	farRes.Tags = map[string]string{"dc": "west"}
	far := newTestMember("c:27017", farRes)
	far.RecordRoundTrip(100 * time.Millisecond)

	for _, m := range []*Member{primary, near, far} {
		ok, err := s.Update(m)
		require.NoError(t, err)
		require.True(t, ok)
	}

	return s, primary, near, far
}

func TestPickServer(t *testing.T) {
	t.Run("DefaultsToPrimary", func(t *testing.T) {
		s, primary, _, _ := setupPickState(t)
		m, err := s.PickServer(nil)
		require.NoError(t, err)
		require.Same(t, primary, m)
	})

	t.Run("NoPrimary", func(t *testing.T) {
		s, _ := newTestState(t, "rs0")
		_, err := s.PickServer(readpref.Primary())
		require.ErrorIs(t, err, ErrNoPrimary)
	})

	t.Run("NoSecondary", func(t *testing.T) {
		s, _ := newTestState(t, "rs0")
		_, _ = s.Update(newTestMember("a:27017", primaryDesc("a:27017")))

		_, err := s.PickServer(readpref.Secondary())
		require.ErrorIs(t, err, ErrNoSecondary)

		m, err := s.PickServer(readpref.SecondaryPreferred())
		require.NoError(t, err)
		require.Same(t, s.Primary(), m)
	})

	t.Run("NoSecondaryOrPrimary", func(t *testing.T) {
		s, _ := newTestState(t, "rs0")
		_, err := s.PickServer(readpref.SecondaryPreferred())
		require.ErrorIs(t, err, ErrNoSecondaryOrPrimary)
	})

	t.Run("SecondaryLatencyWindow", func(t *testing.T) {
		s, _, near, _ := setupPickState(t)
		for i := 0; i < 4; i++ {
			m, err := s.PickServer(readpref.Secondary())
			require.NoError(t, err)
			require.Same(t, near, m)
		}
	})

	t.Run("NearestRoundRobin", func(t *testing.T) {
		s, primary, near, _ := setupPickState(t)
		seen := map[*Member]int{}
		for i := 0; i < 4; i++ {
			m, err := s.PickServer(readpref.Nearest())
			require.NoError(t, err)
			seen[m]++
		}
		require.Equal(t, 2, seen[primary])
		require.Equal(t, 2, seen[near])
	})

	t.Run("Tags", func(t *testing.T) {
		s, _, _, far := setupPickState(t)
		rp := readpref.Secondary(readpref.WithTagSets(tag.NewTagSetFromMap(map[string]string{"dc": "west"})))
		m, err := s.PickServer(rp)
		require.NoError(t, err)
		require.Same(t, far, m)

		rp = readpref.Secondary(readpref.WithTagSets(tag.NewTagSetFromMap(map[string]string{"dc": "north"})))
		m, err = s.PickServer(rp)
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("PrimaryPreferred", func(t *testing.T) {
		s, primary, near, _ := setupPickState(t)
		m, err := s.PickServer(readpref.PrimaryPreferred())
		require.NoError(t, err)
		require.Same(t, primary, m)

		s.Remove("a:27017", true)
		m, err = s.PickServer(readpref.PrimaryPreferred())
		require.NoError(t, err)
		require.Same(t, near, m)
	})

	t.Run("MaxStalenessTooSmall", func(t *testing.T) {
		s, _, _, _ := setupPickState(t)
		_, err := s.PickServer(readpref.Nearest(readpref.WithMaxStaleness(30 * time.Second)))
		require.ErrorIs(t, err, ErrMaxStalenessTooSmall)
	})

	t.Run("MaxStalenessFilters", func(t *testing.T) {
		s, _, near, far := setupPickState(t)
		near.staleness = 200 * time.Second
		far.staleness = 20 * time.Second

		m, err := s.PickServer(readpref.Secondary(readpref.WithMaxStaleness(120 * time.Second)))
		require.NoError(t, err)
		require.Same(t, far, m)
	})

	t.Run("MaxStalenessOldWireVersion", func(t *testing.T) {
		s, _, near, _ := setupPickState(t)
		near.LastIsMaster().MaxWireVersion = 4

		_, err := s.PickServer(readpref.Secondary(readpref.WithMaxStaleness(120 * time.Second)))
		require.ErrorIs(t, err, ErrMaxStalenessUnsupported)
	})
}
