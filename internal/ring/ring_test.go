package ring

import (
	"testing"

	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/stretchr/testify/require"
)

func id(port int) nodeid.ID { return nodeid.ID{Host: "127.0.0.1", Port: port} }

func TestBuildSingleNode(t *testing.T) {
	r := Build(id(6001), nil)
	require.Equal(t, 1, r.Len())
	require.Equal(t, id(6001), r.LeftID())
	require.Equal(t, id(6001), r.RightID())
	require.Equal(t, id(6001), r.Leader())
}

func TestBuildThreeNodes(t *testing.T) {
	self := id(6002)
	members := []nodeid.ID{id(6001), id(6003)}
	r := Build(self, members)

	require.Equal(t, []nodeid.ID{id(6001), id(6002), id(6003)}, r.Nodes)
	require.Equal(t, id(6001), r.LeftID())
	require.Equal(t, id(6003), r.RightID())
	require.Equal(t, id(6003), r.Leader())
}

func TestBuildWrapsAround(t *testing.T) {
	self := id(6001) // lowest id, so left wraps to the highest
	members := []nodeid.ID{id(6002), id(6003)}
	r := Build(self, members)

	require.Equal(t, id(6003), r.LeftID())
	require.Equal(t, id(6002), r.RightID())
}

func TestNeighbour(t *testing.T) {
	self := id(6002)
	r := Build(self, []nodeid.ID{id(6001), id(6003)})
	require.Equal(t, r.LeftID(), r.Neighbour(DirLeft))
	require.Equal(t, r.RightID(), r.Neighbour(DirRight))
}
