package membership

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type TopologyType string

const (
	TopologyUnknown               = TopologyType("Unknown")
	TopologyReplicaSetNoPrimary   = TopologyType("ReplicaSetNoPrimary")
	TopologyReplicaSetWithPrimary = TopologyType("ReplicaSetWithPrimary")
)

type ServerType string

const (
	ServerStandalone      = ServerType("Standalone")
	ServerMongos          = ServerType("Mongos")
	ServerPossiblePrimary = ServerType("PossiblePrimary")
	ServerRSPrimary       = ServerType("RSPrimary")
	ServerRSSecondary     = ServerType("RSSecondary")
	ServerRSArbiter       = ServerType("RSArbiter")
	ServerRSOther         = ServerType("RSOther")
	ServerRSGhost         = ServerType("RSGhost")
	ServerUnknown         = ServerType("Unknown")
)

// Role is the role a member joined or left the set with.
type Role string

const (
	RolePrimary   = Role("primary")
	RoleSecondary = Role("secondary")
	RoleArbiter   = Role("arbiter")
)

type setEntry struct {
	Type       ServerType
	ElectionID primitive.ObjectID
	SetName    string
	SetVersion int64
}

func compareObjectIDs(a, b primitive.ObjectID) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		} else if a[i] > b[i] {
			return 1
		}
	}
	return 0
}
