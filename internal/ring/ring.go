// Package ring projects the member set onto a deterministic circular
// order: members sorted by NodeId, each with a left and right neighbour.
package ring

import (
	"sort"

	"github.com/fistfight/votecast/internal/nodeid"
)

// Ring is the sorted circular view of currently live servers, plus self's
// position and neighbours. It is rebuilt wholesale on every membership
// change; the slice is the sole owner and neighbours are plain indices,
// so there is no cyclic ownership between nodes.
type Ring struct {
	Nodes []nodeid.ID
	Self  int
	Left  int
	Right int
}

// Build sorts members ∪ {self} ascending and locates self's neighbours.
// Self is always present, since it is inserted before sorting.
func Build(self nodeid.ID, members []nodeid.ID) Ring {
	nodes := make([]nodeid.ID, 0, len(members)+1)
	nodes = append(nodes, members...)
	nodes = append(nodes, self)

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })

	selfIdx := -1
	for i, n := range nodes {
		if n == self {
			selfIdx = i
			break
		}
	}

	n := len(nodes)
	left := (selfIdx - 1 + n) % n
	right := (selfIdx + 1) % n

	return Ring{Nodes: nodes, Self: selfIdx, Left: left, Right: right}
}

// Len returns the ring size.
func (r Ring) Len() int { return len(r.Nodes) }

// LeftID returns self's left neighbour. For a ring of size 1, left==right==self.
func (r Ring) LeftID() nodeid.ID { return r.Nodes[r.Left] }

// RightID returns self's right neighbour.
func (r Ring) RightID() nodeid.ID { return r.Nodes[r.Right] }

// SelfID returns self's own id as it appears in the ring.
func (r Ring) SelfID() nodeid.ID { return r.Nodes[r.Self] }

// Leader returns the ring's maximum id: the HS election's unique winner.
func (r Ring) Leader() nodeid.ID {
	max := r.Nodes[0]
	for _, n := range r.Nodes[1:] {
		if max.Less(n) {
			max = n
		}
	}
	return max
}

// Neighbour returns the node adjacent to self in the given direction.
func (r Ring) Neighbour(dir Direction) nodeid.ID {
	if dir == DirLeft {
		return r.LeftID()
	}
	return r.RightID()
}

// Direction mirrors proto.Direction without importing proto, keeping ring
// dependency-free of the wire format (ring is a pure projection of
// membership, not a protocol participant).
type Direction string

const (
	DirLeft  Direction = "LEFT"
	DirRight Direction = "RIGHT"
)
