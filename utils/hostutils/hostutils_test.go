package hostutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveDuplicates(t *testing.T) {
	out := RemoveDuplicates([]string{"a:1", "A:1", "b:2", "a:1", "B:2", "c:3"})
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, out)
}

func TestContainsAndRemove(t *testing.T) {
	list := []string{"Host1:27017", "host2:27017"}

	require.True(t, Contains(list, "host1:27017"))
	require.False(t, Contains(list, "host3:27017"))
	require.Equal(t, 1, Index(list, "HOST2:27017"))

	list = Remove(list, "HOST1:27017")
	require.Equal(t, []string{"host2:27017"}, list)
}

func TestSplitHostPort(t *testing.T) {
	t.Run("WithPort", func(t *testing.T) {
		host, port, err := SplitHostPort("localhost:27018", 27017)
		require.NoError(t, err)
		require.Equal(t, "localhost", host)
		require.Equal(t, 27018, port)
	})

	t.Run("DefaultPort", func(t *testing.T) {
		host, port, err := SplitHostPort("localhost", 27017)
		require.NoError(t, err)
		require.Equal(t, "localhost", host)
		require.Equal(t, 27017, port)
	})

	t.Run("IPv6", func(t *testing.T) {
		host, port, err := SplitHostPort("[::1]:27019", 27017)
		require.NoError(t, err)
		require.Equal(t, "::1", host)
		require.Equal(t, 27019, port)
		require.Equal(t, "[::1]:27019", JoinHostPort(host, port))
	})

	t.Run("BadPort", func(t *testing.T) {
		_, _, err := SplitHostPort("localhost:abc", 27017)
		require.Error(t, err)
	})
}
