package membership

import (
	"testing"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/stretchr/testify/require"
)

func TestMemberRoundTripSmoothing(t *testing.T) {
	m := NewMember(&testNode{name: "a:1"}, nil)
	require.False(t, m.HasRoundTripTime())

	require.Equal(t, 100*time.Millisecond, m.RecordRoundTrip(100*time.Millisecond))
	require.True(t, m.HasRoundTripTime())

	require.Equal(t, 140*time.Millisecond, m.RecordRoundTrip(300*time.Millisecond))
	require.Equal(t, 140*time.Millisecond, m.RoundTripTime())

	// 0.2*140 + 0.8*140
	require.Equal(t, 140*time.Millisecond, m.RecordRoundTrip(140*time.Millisecond))
}

func TestMemberLastWriteDate(t *testing.T) {
	lastWrite := time.Unix(1000, 0)
	m := NewMember(&testNode{name: "a:1"}, &ismaster.Result{
		LastWrite: &ismaster.LastWrite{LastWriteDate: lastWrite},
	})
	require.Equal(t, lastWrite, m.LastWriteDate())

	// a descriptor without a last write keeps the previous value
	m.SetLastIsMaster(&ismaster.Result{})
	require.Equal(t, lastWrite, m.LastWriteDate())
}
