package backends

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologyCheck(t *testing.T) {
	require.NoError(t, Topology{Rank: 0, WorldSize: 1}.Check())
	require.NoError(t, Topology{Rank: 3, WorldSize: 4}.Check())
	require.Error(t, Topology{Rank: 4, WorldSize: 4}.Check())
	require.Error(t, Topology{Rank: -1, WorldSize: 4}.Check())
	require.Error(t, Topology{Rank: 0, WorldSize: 0}.Check())
	require.Equal(t, "rank 3/4", Topology{Rank: 3, WorldSize: 4}.String())
}

func TestNewGroupWithoutBackends(t *testing.T) {
	// No backend package is imported by this test binary.
	_, err := NewGroupWithConfig("", 2)
	require.ErrorContains(t, err, "no communication backend registered")

	_, err = NewGroupWithConfig("does-not-exist", 2)
	require.ErrorContains(t, err, "not registered")
}
