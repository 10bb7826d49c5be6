package membership

import (
	"time"
)

type ServerDescription struct {
	Address       string            `json:"address"`
	Type          ServerType        `json:"type"`
	RoundTripTime time.Duration     `json:"roundTripTimeNs"`
	Staleness     time.Duration     `json:"stalenessNs,omitempty"`
	LastWriteDate time.Time         `json:"lastWriteDate,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type TopologyDescription struct {
	TopologyType TopologyType        `json:"topologyType"`
	SetName      string              `json:"setName,omitempty"`
	Servers      []ServerDescription `json:"servers"`
}

// Server returns the description for an address, or nil.
func (d *TopologyDescription) Server(address string) *ServerDescription {
	if d == nil {
		return nil
	}
	for i := range d.Servers {
		if d.Servers[i].Address == address {
			return &d.Servers[i]
		}
	}
	return nil
}

type ServerTypeChange struct {
	Address string     `json:"address"`
	From    ServerType `json:"from"`
	To      ServerType `json:"to"`
}

type DescriptionDiff struct {
	Added   []string           `json:"added,omitempty"`
	Removed []string           `json:"removed,omitempty"`
	Changed []ServerTypeChange `json:"changed,omitempty"`
}

func (d *DescriptionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

type DescriptionChangedEvent struct {
	TopologyID          uint64
	PreviousDescription *TopologyDescription
	NewDescription      *TopologyDescription
	Diff                *DescriptionDiff
}

func describeMember(m *Member, serverType ServerType) ServerDescription {
	desc := ServerDescription{
		Address:       m.Name(),
		Type:          serverType,
		RoundTripTime: m.RoundTripTime(),
		Staleness:     m.Staleness(),
		LastWriteDate: m.LastWriteDate(),
	}
	if res := m.LastIsMaster(); res != nil && len(res.Tags) > 0 {
		desc.Tags = make(map[string]string, len(res.Tags))
		for k, v := range res.Tags {
			desc.Tags[k] = v
		}
	}
	return desc
}

// Description builds a snapshot of the current membership.
func (s *State) Description() *TopologyDescription {
	topologyType := TopologyUnknown
	if s.HasPrimary() {
		topologyType = TopologyReplicaSetWithPrimary
	} else if s.HasSecondary() {
		topologyType = TopologyReplicaSetNoPrimary
	}

	desc := &TopologyDescription{
		TopologyType: topologyType,
		SetName:      s.setName,
		Servers:      []ServerDescription{},
	}

	if s.primary != nil {
		desc.Servers = append(desc.Servers, describeMember(s.primary, ServerRSPrimary))
	}
	for _, m := range s.secondaries {
		desc.Servers = append(desc.Servers, describeMember(m, ServerRSSecondary))
	}
	for _, m := range s.arbiters {
		desc.Servers = append(desc.Servers, describeMember(m, ServerRSArbiter))
	}
	for _, m := range s.passives {
		desc.Servers = append(desc.Servers, describeMember(m, ServerRSSecondary))
	}

	return desc
}

func diffDescriptions(prev, next *TopologyDescription) *DescriptionDiff {
	diff := &DescriptionDiff{}

	for _, server := range next.Servers {
		prevServer := prev.Server(server.Address)
		if prevServer == nil {
			diff.Added = append(diff.Added, server.Address)
		} else if prevServer.Type != server.Type {
			diff.Changed = append(diff.Changed, ServerTypeChange{
				Address: server.Address,
				From:    prevServer.Type,
				To:      server.Type,
			})
		}
	}

	if prev != nil {
		for _, server := range prev.Servers {
			if next.Server(server.Address) == nil {
				diff.Removed = append(diff.Removed, server.Address)
			}
		}
	}

	return diff
}

func (s *State) emitDescriptionChanged() {
	next := s.Description()
	prev := s.description
	s.description = next

	if s.handlers.TopologyDescriptionChanged == nil {
		return
	}

	s.handlers.TopologyDescriptionChanged(&DescriptionChangedEvent{
		TopologyID:          s.topologyID,
		PreviousDescription: prev,
		NewDescription:      next,
		Diff:                diffDescriptions(prev, next),
	})
}
