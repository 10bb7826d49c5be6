// Package ismaster holds the role descriptor returned by a replica set member
// in response to the ismaster administrative command.
package ismaster

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Command is the heartbeat command sent to every member.
var Command = bson.D{{Key: "ismaster", Value: 1}}

// MongosMsg is reported in the msg field by a sharding router.
const MongosMsg = "isdbgrid"

type LastWrite struct {
	OpTime        primitive.M `bson:"opTime,omitempty"`
	LastWriteDate time.Time   `bson:"lastWriteDate"`
}

type Result struct {
	IsMaster       bool               `bson:"ismaster"`
	Secondary      bool               `bson:"secondary"`
	ArbiterOnly    bool               `bson:"arbiterOnly"`
	Passive        bool               `bson:"passive"`
	Hidden         bool               `bson:"hidden"`
	IsReplicaSet   bool               `bson:"isreplicaset"`
	Msg            string             `bson:"msg,omitempty"`
	SetName        string             `bson:"setName,omitempty"`
	SetVersion     int64              `bson:"setVersion,omitempty"`
	ElectionID     primitive.ObjectID `bson:"electionId,omitempty"`
	Primary        string             `bson:"primary,omitempty"`
	Me             string             `bson:"me,omitempty"`
	Hosts          []string           `bson:"hosts,omitempty"`
	Arbiters       []string           `bson:"arbiters,omitempty"`
	Passives       []string           `bson:"passives,omitempty"`
	Tags           map[string]string  `bson:"tags,omitempty"`
	MinWireVersion int32              `bson:"minWireVersion"`
	MaxWireVersion int32              `bson:"maxWireVersion"`
	LastWrite      *LastWrite         `bson:"lastWrite,omitempty"`
	OK             float64            `bson:"ok"`
}

// Parse decodes a raw ismaster reply.
func Parse(raw bson.Raw) (*Result, error) {
	var res Result
	err := bson.Unmarshal(raw, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// Marshal encodes the descriptor as it would appear on the wire.
func (r *Result) Marshal() (bson.Raw, error) {
	return bson.Marshal(r)
}

func (r *Result) HasElectionID() bool {
	return r != nil && !r.ElectionID.IsZero()
}

func (r *Result) HasSetVersion() bool {
	return r != nil && r.SetVersion != 0
}

// IsMongos reports whether the member is a sharding router.
func (r *Result) IsMongos() bool {
	return r != nil && r.Msg == MongosMsg
}

// IsStandalone reports whether the member is not part of any replica set.
func (r *Result) IsStandalone() bool {
	return r != nil && r.SetName == "" && !r.IsReplicaSet && !r.IsMongos()
}

// IsOther reports whether the member belongs to the set but cannot serve
// reads or vote (hidden, starting up, recovering, ...).
func (r *Result) IsOther() bool {
	if r == nil || r.SetName == "" {
		return false
	}
	return r.Hidden || (!r.IsMaster && !r.Secondary && !r.ArbiterOnly && !r.Passive)
}

// LastWriteDate returns the time of the last write applied on the member, or
// the zero time when the member does not report one.
func (r *Result) LastWriteDate() time.Time {
	if r == nil || r.LastWrite == nil {
		return time.Time{}
	}
	return r.LastWrite.LastWriteDate
}

// Clone returns a deep copy of the descriptor.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}

	out := *r
	out.Hosts = append([]string(nil), r.Hosts...)
	out.Arbiters = append([]string(nil), r.Arbiters...)
	out.Passives = append([]string(nil), r.Passives...)
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	if r.LastWrite != nil {
		lastWrite := *r.LastWrite
		out.LastWrite = &lastWrite
	}
	return &out
}
