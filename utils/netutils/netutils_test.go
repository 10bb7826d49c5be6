package netutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInAddrAny(t *testing.T) {
	for _, addr := range []string{"", "0.0.0.0", "::", "[::]", "::/0"} {
		assert.True(t, IsInAddrAny(addr), addr)
	}
	for _, addr := range []string{"127.0.0.1", "10.0.0.4", "db.example.com"} {
		assert.False(t, IsInAddrAny(addr), addr)
	}
}

func TestAdvertiseExplicitBind(t *testing.T) {
	addr, err := GetAdvertiseAddress("10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addr)
}
