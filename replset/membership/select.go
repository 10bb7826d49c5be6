package membership

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/tag"
	"golang.org/x/exp/slices"
)

var (
	ErrPrimaryWithMaxStaleness = errors.New("primary readPreference incompatible with maxStalenessSeconds")
	ErrMaxStalenessUnsupported = errors.New("maxStalenessSeconds not supported by at least one of the replicaset members")
	ErrMaxStalenessTooSmall    = errors.New("maxStalenessSeconds must be set to at least 90 seconds")
	ErrNoSecondary             = errors.New("no secondary server available")
	ErrNoSecondaryOrPrimary    = errors.New("no secondary or primary server available")
	ErrNoPrimary               = errors.New("no primary server available")
)

const (
	minMaxStaleness            = 90 * time.Second
	minMaxStalenessWireVersion = 5
)

// PickServer selects a member able to serve the given read preference.  A nil
// member with a nil error means no member currently falls inside the
// selection window.
func (s *State) PickServer(rp *readpref.ReadPref) (*Member, error) {
	if rp == nil {
		rp = readpref.Primary()
	}

	mode := rp.Mode()
	maxStaleness, hasMaxStaleness := rp.MaxStaleness()

	if mode == readpref.PrimaryMode && hasMaxStaleness {
		return nil, ErrPrimaryWithMaxStaleness
	}

	if hasMaxStaleness {
		for _, m := range s.dataBearing() {
			if res := m.LastIsMaster(); res == nil || res.MaxWireVersion < minMaxStalenessWireVersion {
				return nil, ErrMaxStalenessUnsupported
			}
		}
	}

	if mode == readpref.NearestMode {
		if hasMaxStaleness {
			return s.pickNearestMaxStaleness(rp, maxStaleness)
		}
		return s.pickNearest(rp), nil
	}

	switch {
	case mode == readpref.SecondaryMode && len(s.secondaries) == 0:
		return nil, ErrNoSecondary
	case mode == readpref.SecondaryPreferredMode && len(s.secondaries) == 0 && s.primary == nil:
		return nil, ErrNoSecondaryOrPrimary
	case mode == readpref.PrimaryMode && s.primary == nil:
		return nil, ErrNoPrimary
	}

	switch mode {
	case readpref.SecondaryMode, readpref.SecondaryPreferredMode:
		if len(s.secondaries) > 0 {
			m, err := s.pickSecondary(rp, maxStaleness, hasMaxStaleness)
			if err != nil {
				return nil, err
			}
			if m != nil {
				return m, nil
			}
		}

		if mode == readpref.SecondaryPreferredMode {
			return s.primary, nil
		}
		return nil, nil

	case readpref.PrimaryPreferredMode:
		if s.primary != nil {
			return s.primary, nil
		}

		if len(s.secondaries) > 0 {
			m, err := s.pickSecondary(rp, maxStaleness, hasMaxStaleness)
			if err != nil {
				return nil, err
			}
			if m != nil {
				return m, nil
			}
		}
	}

	return s.primary, nil
}

func (s *State) pickSecondary(rp *readpref.ReadPref, maxStaleness time.Duration, hasMaxStaleness bool) (*Member, error) {
	if hasMaxStaleness {
		return s.pickNearestMaxStaleness(rp, maxStaleness)
	}
	return s.pickNearest(rp), nil
}

func (s *State) dataBearing() []*Member {
	var servers []*Member
	if s.primary != nil {
		servers = append(servers, s.primary)
	}
	return append(servers, s.secondaries...)
}

func (s *State) candidates(rp *readpref.ReadPref) []*Member {
	mode := rp.Mode()

	var servers []*Member
	if s.primary != nil && mode != readpref.SecondaryMode && mode != readpref.SecondaryPreferredMode {
		servers = append(servers, s.primary)
	}
	servers = append(servers, s.secondaries...)

	return servers
}

func (s *State) pickNearest(rp *readpref.ReadPref) *Member {
	servers := s.candidates(rp)

	if len(servers) == 0 && s.primary != nil && rp.Mode() != readpref.SecondaryPreferredMode {
		servers = append(servers, s.primary)
	}

	servers = filterByTags(rp.TagSets(), servers)
	sortByRoundTrip(servers)

	if len(servers) == 0 {
		return nil
	}

	lowest := servers[0].RoundTripTime()
	servers = slices.DeleteFunc(servers, func(m *Member) bool {
		return m.RoundTripTime() > lowest+s.acceptableLatency
	})

	return s.roundRobin(servers)
}

func (s *State) pickNearestMaxStaleness(rp *readpref.ReadPref, maxStaleness time.Duration) (*Member, error) {
	if maxStaleness < minMaxStaleness {
		return nil, ErrMaxStalenessTooSmall
	}

	servers := s.candidates(rp)
	servers = filterByTags(rp.TagSets(), servers)
	servers = slices.DeleteFunc(servers, func(m *Member) bool {
		return m.Staleness() > maxStaleness
	})
	sortByRoundTrip(servers)

	return s.roundRobin(servers), nil
}

func (s *State) roundRobin(servers []*Member) *Member {
	if len(servers) == 0 {
		return nil
	}

	s.index = s.index % len(servers)
	m := servers[s.index]
	s.index++
	return m
}

func sortByRoundTrip(servers []*Member) {
	slices.SortStableFunc(servers, func(a, b *Member) int {
		switch {
		case a.RoundTripTime() < b.RoundTripTime():
			return -1
		case a.RoundTripTime() > b.RoundTripTime():
			return 1
		}
		return 0
	})
}

// filterByTags returns the members matching the first tag set which matches
// any member at all.  An empty tag set matches every member.
func filterByTags(tagSets []tag.Set, servers []*Member) []*Member {
	if len(tagSets) == 0 {
		return servers
	}

	for _, tagSet := range tagSets {
		var matched []*Member
		for _, m := range servers {
			if memberHasTags(m, tagSet) {
				matched = append(matched, m)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}

	return nil
}

func memberHasTags(m *Member, tagSet tag.Set) bool {
	var memberTags map[string]string
	if res := m.LastIsMaster(); res != nil {
		memberTags = res.Tags
	}

	for _, t := range tagSet {
		if memberTags[t.Name] != t.Value {
			return false
		}
	}
	return true
}
