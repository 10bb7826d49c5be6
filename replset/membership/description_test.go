package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffDescriptions(t *testing.T) {
	prev := &TopologyDescription{
		Servers: []ServerDescription{
			{Address: "a:27017", Type: ServerRSPrimary},
			{Address: "b:27017", Type: ServerRSSecondary},
		},
	}
	next := &TopologyDescription{
		Servers: []ServerDescription{
			{Address: "a:27017", Type: ServerRSSecondary},
			{Address: "c:27017", Type: ServerRSSecondary},
		},
	}

	diff := diffDescriptions(prev, next)
	assert.Equal(t, []string{"c:27017"}, diff.Added)
	assert.Equal(t, []string{"b:27017"}, diff.Removed)
	assert.Equal(t, []ServerTypeChange{
		{Address: "a:27017", From: ServerRSPrimary, To: ServerRSSecondary},
	}, diff.Changed)
	assert.False(t, diff.Empty())

	assert.True(t, diffDescriptions(next, next).Empty())
}

func TestDiffFromNothing(t *testing.T) {
	next := &TopologyDescription{
		Servers: []ServerDescription{{Address: "a:27017", Type: ServerRSPrimary}},
	}

	diff := diffDescriptions(nil, next)
	assert.Equal(t, []string{"a:27017"}, diff.Added)
	assert.Empty(t, diff.Removed)
}
