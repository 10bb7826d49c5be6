/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package membership

import (
	"fmt"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/utils/hostutils"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// SetNameMismatchError is returned by Update when a primary reports a
// replica set name other than the one the topology was configured with.
type SetNameMismatchError struct {
	Reported string
	Expected string
}

func (e *SetNameMismatchError) Error() string {
	return fmt.Sprintf("setName from ismaster does not match provided connection setName [%s] != [%s]",
		e.Reported, e.Expected)
}

// Handlers receive membership changes.  Any of them may be nil.  They are
// invoked synchronously while the caller holds its lock, so they must not
// call back into the State.
type Handlers struct {
	Joined                     func(role Role, m *Member)
	Left                       func(role Role, m *Member)
	TopologyDescriptionChanged func(evt *DescriptionChangedEvent)
}

type Options struct {
	Logger             *zap.Logger
	TopologyID         uint64
	SetName            string
	AcceptableLatency  time.Duration
	HeartbeatFrequency time.Duration
	Handlers           Handlers
}

// State is the authoritative view of which node currently holds which role
// in the replica set.  It is not safe for concurrent use; the owning
// topology serializes every call.
type State struct {
	logger             *zap.Logger
	topologyID         uint64
	acceptableLatency  time.Duration
	heartbeatFrequency time.Duration
	handlers           Handlers

	topologyType   TopologyType
	setName        string
	set            map[string]*setEntry
	primary        *Member
	secondaries    []*Member
	arbiters       []*Member
	passives       []*Member
	ghosts         []*Member
	unknownServers []string
	maxElectionID  primitive.ObjectID
	maxSetVersion  int64
	index          int
	description    *TopologyDescription
}

func New(opts *Options) *State {
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	acceptableLatency := opts.AcceptableLatency
	if acceptableLatency == 0 {
		acceptableLatency = 15 * time.Millisecond
	}

	heartbeatFrequency := opts.HeartbeatFrequency
	if heartbeatFrequency == 0 {
		heartbeatFrequency = 10 * time.Second
	}

	return &State{
		logger:             logger,
		topologyID:         opts.TopologyID,
		acceptableLatency:  acceptableLatency,
		heartbeatFrequency: heartbeatFrequency,
		handlers:           opts.Handlers,
		topologyType:       TopologyReplicaSetNoPrimary,
		setName:            opts.SetName,
		set:                make(map[string]*setEntry),
		description: &TopologyDescription{
			TopologyType: TopologyUnknown,
		},
	}
}

func (s *State) HasPrimary() bool {
	return s.primary != nil
}

func (s *State) HasSecondary() bool {
	return len(s.secondaries) > 0
}

func (s *State) HasPrimaryAndSecondary() bool {
	return s.HasPrimary() && s.HasSecondary()
}

func (s *State) HasPrimaryOrSecondary() bool {
	return s.HasPrimary() || s.HasSecondary()
}

func (s *State) Primary() *Member {
	return s.primary
}

func (s *State) Secondaries() []*Member {
	return slices.Clone(s.secondaries)
}

func (s *State) Arbiters() []*Member {
	return slices.Clone(s.arbiters)
}

func (s *State) Passives() []*Member {
	return slices.Clone(s.passives)
}

func (s *State) TopologyType() TopologyType {
	return s.topologyType
}

func (s *State) SetName() string {
	return s.setName
}

// UnknownServers returns the addresses which have been reported by some
// member but are not currently joined.
func (s *State) UnknownServers() []string {
	return slices.Clone(s.unknownServers)
}

// KnownHosts returns every address the state has ever recorded.
func (s *State) KnownHosts() []string {
	hosts := make([]string, 0, len(s.set))
	for host := range s.set {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

// ServerType returns the last classification recorded for an address.
func (s *State) ServerType(host string) ServerType {
	entry := s.set[hostutils.Key(host)]
	if entry == nil {
		return ServerUnknown
	}
	return entry.Type
}

// Get returns the joined member for an address, or nil.
func (s *State) Get(host string) *Member {
	for _, m := range s.AllServers(false) {
		if m.isNamed(host) {
			return m
		}
	}
	return nil
}

// AllServers returns every joined member, primary first.
func (s *State) AllServers(ignoreArbiters bool) []*Member {
	var servers []*Member
	if s.primary != nil {
		servers = append(servers, s.primary)
	}
	servers = append(servers, s.secondaries...)
	if !ignoreArbiters {
		servers = append(servers, s.arbiters...)
	}
	servers = append(servers, s.passives...)
	return servers
}

// Destroy tears down every joined node and clears the state.
func (s *State) Destroy(force bool) {
	for _, m := range s.AllServers(false) {
		m.Node().Destroy(force)
	}
	for _, m := range s.ghosts {
		m.Node().Destroy(force)
	}

	s.primary = nil
	s.secondaries = nil
	s.arbiters = nil
	s.passives = nil
	s.ghosts = nil
	s.unknownServers = nil
	s.set = make(map[string]*setEntry)

	s.emitDescriptionChanged()
}

// Remove drops a node from every role list and marks its address unknown so
// discovery will try it again.  Unless force is set, removing a node whose
// joined twin is still connected is a no-op, since that only indicates a
// failed duplicate connection attempt.
func (s *State) Remove(name string, force bool) {
	if !force {
		for _, m := range s.AllServers(false) {
			if m.isNamed(name) && m.Node().IsConnected() {
				return
			}
		}
	}

	key := hostutils.Key(name)
	if entry := s.set[key]; entry != nil {
		*entry = setEntry{Type: ServerUnknown}
	}

	var removed *Member
	var removeRole Role

	if s.primary.isNamed(name) {
		removed = s.primary
		removeRole = RolePrimary
		s.primary = nil
		s.topologyType = TopologyReplicaSetNoPrimary
	}

	if m := removeMember(&s.secondaries, name); m != nil {
		removed, removeRole = m, RoleSecondary
	}
	if m := removeMember(&s.arbiters, name); m != nil {
		removed, removeRole = m, RoleArbiter
	}
	if m := removeMember(&s.passives, name); m != nil {
		removed, removeRole = m, RoleSecondary
	}
	removeMember(&s.ghosts, name)

	s.unknownServers = hostutils.Remove(s.unknownServers, name)
	s.unknownServers = append(s.unknownServers, key)

	if removed != nil {
		s.logger.Debug("member left replica set",
			zap.String("address", removed.Name()),
			zap.String("role", string(removeRole)))

		if s.handlers.Left != nil {
			s.handlers.Left(removeRole, removed)
		}
		s.emitDescriptionChanged()
	}
}

// Update folds the member's latest role descriptor into the state.  It
// returns true when the member was newly admitted in some role.  An error is
// returned only when a primary belongs to a different replica set.
func (s *State) Update(m *Member) (bool, error) {
	res := m.LastIsMaster()
	name := hostutils.Key(m.Name())

	if res != nil {
		var hosts []string
		hosts = append(hosts, res.Hosts...)
		hosts = append(hosts, res.Arbiters...)
		hosts = append(hosts, res.Passives...)

		for _, host := range hosts {
			host = hostutils.Key(host)

			entry := s.set[host]
			if !slices.Contains(s.unknownServers, host) && (entry == nil || entry.Type == ServerUnknown) {
				s.unknownServers = append(s.unknownServers, host)
			}
			if entry == nil {
				s.set[host] = &setEntry{Type: ServerUnknown}
			}
		}
	}

	if res == nil {
		s.set[name] = &setEntry{Type: ServerUnknown}
		if !slices.Contains(s.unknownServers, name) {
			s.unknownServers = append(s.unknownServers, name)
		}
		return false, nil
	}

	if res.IsMongos() {
		return false, nil
	}

	if res.IsOther() {
		s.set[name] = &setEntry{Type: ServerRSOther, SetName: res.SetName}
		s.refreshTopologyType()
		s.setName = res.SetName
		return false, nil
	}

	if res.IsReplicaSet {
		s.set[name] = &setEntry{Type: ServerRSGhost}
		s.refreshTopologyType()
		if res.SetName != "" {
			s.setName = res.SetName
		}
		return false, nil
	}

	if res.IsMaster && res.SetName == "" {
		if s.primary != nil {
			s.topologyType = TopologyReplicaSetWithPrimary
		} else {
			s.topologyType = TopologyUnknown
		}
		s.Remove(name, true)
		return false, nil
	}

	if !res.IsMaster && !res.Secondary && !res.ArbiterOnly {
		s.Remove(name, true)
		return false, nil
	}

	if res.Me != "" && !hostutils.Equal(res.Me, name) {
		s.logger.Debug("member reported a different address for itself",
			zap.String("address", name),
			zap.String("me", res.Me))

		delete(s.set, name)
		s.unknownServers = hostutils.Remove(s.unknownServers, name)
		m.Node().Destroy(true)

		if s.primary != nil && !s.primary.isNamed(name) {
			s.topologyType = TopologyReplicaSetWithPrimary
		} else {
			s.topologyType = TopologyReplicaSetNoPrimary
		}

		if s.primary == nil && res.Primary != "" {
			s.set[hostutils.Key(res.Primary)] = &setEntry{Type: ServerPossiblePrimary}
		}
		return false, nil
	}

	if res.IsMaster && s.primary == nil {
		return s.admitFirstPrimary(m, res)
	} else if res.IsMaster {
		return s.replacePrimary(m, res)
	}

	if s.primary == nil && res.Primary != "" {
		s.set[hostutils.Key(res.Primary)] = &setEntry{Type: ServerPossiblePrimary}
	}

	if res.Secondary && !s.inList(s.secondaries, name) && s.matchesSetName(res) {
		s.addToList(ServerRSSecondary, res, m, &s.secondaries)
		s.demotePrimary(m)
		s.joined(RoleSecondary, m)
		return true, nil
	}

	if res.ArbiterOnly && !s.inList(s.arbiters, name) && s.matchesSetName(res) {
		s.addToList(ServerRSArbiter, res, m, &s.arbiters)
		s.joined(RoleArbiter, m)
		return true, nil
	}

	if res.Passive && !s.inList(s.passives, name) && !s.inList(s.secondaries, name) && s.matchesSetName(res) {
		s.addToList(ServerRSSecondary, res, m, &s.passives)
		s.demotePrimary(m)
		s.joined(RoleSecondary, m)
		return true, nil
	}

	if entry := s.set[name]; entry != nil && entry.Type == ServerRSPrimary && s.primary.isNamed(name) {
		s.Remove(name, true)
		return false, nil
	}

	s.refreshTopologyType()
	return false, nil
}

func (s *State) admitFirstPrimary(m *Member, res *ismaster.Result) (bool, error) {
	name := hostutils.Key(m.Name())

	if s.setName != "" && s.setName != res.SetName {
		s.topologyType = TopologyReplicaSetNoPrimary
		return false, &SetNameMismatchError{
			Reported: res.SetName,
			Expected: s.setName,
		}
	}

	if res.HasElectionID() {
		if s.maxElectionID.IsZero() {
			s.maxElectionID = res.ElectionID
		} else {
			cmp := compareObjectIDs(s.maxElectionID, res.ElectionID)
			if cmp > 0 {
				s.topologyType = TopologyReplicaSetNoPrimary
				return false, nil
			} else if cmp == 0 && res.HasSetVersion() && res.SetVersion < s.maxSetVersion {
				s.topologyType = TopologyReplicaSetNoPrimary
				return false, nil
			}

			s.maxSetVersion = res.SetVersion
			s.maxElectionID = res.ElectionID
		}
	}

	// a primary which does not list itself is not trusted
	if !hostutils.Contains(res.Hosts, name) {
		s.topologyType = TopologyReplicaSetNoPrimary
		s.emitDescriptionChanged()
		return false, nil
	}

	s.primary = m
	s.set[name] = &setEntry{
		Type:       ServerRSPrimary,
		ElectionID: res.ElectionID,
		SetName:    res.SetName,
		SetVersion: res.SetVersion,
	}
	s.topologyType = TopologyReplicaSetWithPrimary
	s.setName = res.SetName
	s.unknownServers = hostutils.Remove(s.unknownServers, name)
	removeMember(&s.secondaries, name)
	removeMember(&s.passives, name)

	s.joined(RolePrimary, m)
	return true, nil
}

func (s *State) replacePrimary(m *Member, res *ismaster.Result) (bool, error) {
	name := hostutils.Key(m.Name())
	current := s.set[hostutils.Key(s.primary.Name())]
	if current == nil {
		current = &setEntry{}
	}

	if s.primary.isNamed(name) && current.SetName == res.SetName {
		return false, nil
	}

	if current.SetName != "" && current.SetName != res.SetName {
		if !s.primary.isNamed(name) {
			s.topologyType = TopologyReplicaSetWithPrimary
		} else {
			s.topologyType = TopologyReplicaSetNoPrimary
		}
		return false, nil
	}

	currentHasElectionID := !current.ElectionID.IsZero()
	if currentHasElectionID && res.HasElectionID() {
		cmp := compareObjectIDs(current.ElectionID, res.ElectionID)
		if cmp > 0 {
			return false, nil
		} else if cmp == 0 && current.SetVersion > res.SetVersion {
			return false, nil
		}
	} else if !currentHasElectionID && res.HasElectionID() &&
		res.HasSetVersion() && res.SetVersion < s.maxSetVersion {
		return false, nil
	}

	if s.maxElectionID.IsZero() && res.HasElectionID() {
		s.maxElectionID = res.ElectionID
	} else if !s.maxElectionID.IsZero() && res.HasElectionID() {
		cmp := compareObjectIDs(s.maxElectionID, res.ElectionID)
		if cmp > 0 {
			return false, nil
		} else if cmp == 0 && current.SetVersion != 0 && res.HasSetVersion() {
			if res.SetVersion < s.maxSetVersion {
				return false, nil
			}
		} else if res.SetVersion < s.maxSetVersion {
			return false, nil
		}

		s.maxElectionID = res.ElectionID
		s.maxSetVersion = res.SetVersion
	} else {
		s.maxSetVersion = res.SetVersion
	}

	oldPrimary := s.primary
	s.set[hostutils.Key(oldPrimary.Name())] = &setEntry{Type: ServerUnknown}

	s.logger.Info("replica set primary replaced",
		zap.String("oldPrimary", oldPrimary.Name()),
		zap.String("newPrimary", m.Name()))

	if s.handlers.Left != nil {
		s.handlers.Left(RolePrimary, oldPrimary)
	}
	if oldPrimary != m {
		oldPrimary.Node().Destroy(true)
	}

	s.primary = m
	s.set[name] = &setEntry{
		Type:       ServerRSPrimary,
		ElectionID: res.ElectionID,
		SetName:    res.SetName,
		SetVersion: res.SetVersion,
	}
	s.topologyType = TopologyReplicaSetWithPrimary
	s.setName = res.SetName
	s.unknownServers = hostutils.Remove(s.unknownServers, name)
	removeMember(&s.secondaries, name)
	removeMember(&s.passives, name)

	s.joined(RolePrimary, m)
	return true, nil
}

// demotePrimary clears the primary slot when the member now reporting a
// secondary role is the one recorded as primary.
func (s *State) demotePrimary(m *Member) {
	if s.primary == nil || !s.primary.isNamed(m.Name()) {
		return
	}

	oldPrimary := s.primary
	s.primary = nil
	s.refreshTopologyType()

	if oldPrimary != m {
		oldPrimary.Node().Destroy(true)
	}

	if s.handlers.Left != nil {
		s.handlers.Left(RolePrimary, oldPrimary)
	}
}

func (s *State) matchesSetName(res *ismaster.Result) bool {
	return res.SetName != "" && s.setName != "" && s.setName == res.SetName
}

func (s *State) inList(list []*Member, name string) bool {
	for _, m := range list {
		if m.isNamed(name) {
			return true
		}
	}
	return false
}

func (s *State) addToList(serverType ServerType, res *ismaster.Result, m *Member, list *[]*Member) {
	name := hostutils.Key(m.Name())
	s.set[name] = &setEntry{
		Type:       serverType,
		ElectionID: res.ElectionID,
		SetName:    res.SetName,
		SetVersion: res.SetVersion,
	}
	*list = append(*list, m)

	s.refreshTopologyType()
	s.setName = res.SetName
	s.unknownServers = hostutils.Remove(s.unknownServers, name)
}

func (s *State) joined(role Role, m *Member) {
	s.logger.Debug("member joined replica set",
		zap.String("address", m.Name()),
		zap.String("role", string(role)))

	if s.handlers.Joined != nil {
		s.handlers.Joined(role, m)
	}
	s.emitDescriptionChanged()
}

func (s *State) refreshTopologyType() {
	if s.primary != nil {
		s.topologyType = TopologyReplicaSetWithPrimary
	} else {
		s.topologyType = TopologyReplicaSetNoPrimary
	}
}

func removeMember(list *[]*Member, name string) *Member {
	for i, m := range *list {
		if m.isNamed(name) {
			*list = slices.Delete(*list, i, i+1)
			return m
		}
	}
	return nil
}

// UpdateServerMaxStaleness recomputes how far behind the primary (or the
// freshest secondary) a secondary's writes are.
func (s *State) UpdateServerMaxStaleness(m *Member, interval time.Duration) {
	res := m.LastIsMaster()
	if res == nil || res.MaxWireVersion < 5 || !res.Secondary {
		return
	}

	if s.primary != nil {
		m.staleness = m.lastUpdateTime.Sub(m.lastWriteDate) -
			s.primary.lastUpdateTime.Sub(s.primary.lastWriteDate) +
			interval
		return
	}

	var maxLastWrite time.Time
	for _, sec := range s.secondaries {
		if sec.lastWriteDate.After(maxLastWrite) {
			maxLastWrite = sec.lastWriteDate
		}
	}
	if maxLastWrite.IsZero() {
		m.staleness = interval
		return
	}
	m.staleness = maxLastWrite.Sub(m.lastWriteDate) + interval
}

func (s *State) UpdateSecondariesMaxStaleness(interval time.Duration) {
	for _, m := range s.secondaries {
		s.UpdateServerMaxStaleness(m, interval)
	}
}
