package election

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/ring"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

type testNode struct {
	id  nodeid.ID
	uc  *transport.Unicast
	el  *Election
	led bool
}

func setupRing(t *testing.T, n int) ([]*testNode, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		uc, err := transport.NewUnicast(0, 4096, testLogger())
		require.NoError(t, err)
		nodes[i] = &testNode{id: nodeid.ID{Host: "127.0.0.1", Port: uc.LocalPort()}, uc: uc}
	}

	ids := make([]nodeid.ID, n)
	for i, nd := range nodes {
		ids[i] = nd.id
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, nd := range nodes {
		self := nd.id
		peers := make([]nodeid.ID, 0, n-1)
		for _, id := range ids {
			if id != self {
				peers = append(peers, id)
			}
		}
		ringFn := func() ring.Ring { return ring.Build(self, peers) }
		node := nd
		node.el = New(self, node.uc, ringFn, Config{Timeout: 300 * time.Millisecond},
			func(leader nodeid.ID, isLeader bool, _ uint64) { node.led = isLeader },
			metrics.New(), testLogger())

		go node.uc.Run(ctx, func(r transport.Received) {
			switch r.Envelope.Tag {
			case proto.TagHSElection:
				node.el.HandleElection(r.Envelope)
			case proto.TagHSReply:
				node.el.HandleReply(r.Envelope)
			case proto.TagHSLeader:
				node.el.HandleLeader(r.Envelope)
			}
		})
		go node.el.Run(ctx)
	}

	cleanup := func() {
		cancel()
		for _, nd := range nodes {
			nd.uc.Close()
		}
	}
	return nodes, cleanup
}

func waitForConvergence(t *testing.T, nodes []*testNode, want nodeid.ID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		allConverged := true
		for _, nd := range nodes {
			if !nd.el.HaveLeader() || nd.el.Leader() != want {
				allConverged = false
				break
			}
		}
		if allConverged {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("election did not converge to %v in time", want)
}

func TestElectionConvergesThreeNodes(t *testing.T) {
	nodes, cleanup := setupRing(t, 3)
	defer cleanup()

	ids := make([]nodeid.ID, len(nodes))
	for i, nd := range nodes {
		ids[i] = nd.id
	}
	maxID := ring.Build(ids[0], ids[1:]).Leader()

	// Only one node needs to kick things off; HS propagates the round to
	// everyone else via the "start it as in step 1" rule.
	nodes[0].el.RequestElection()

	waitForConvergence(t, nodes, maxID)

	for _, nd := range nodes {
		require.Equal(t, nd.id == maxID, nd.led, "leadership role flag should match identity comparison")
	}
}

func TestElectionSingleNodeSelfElects(t *testing.T) {
	nodes, cleanup := setupRing(t, 1)
	defer cleanup()

	nodes[0].el.RequestElection()
	waitForConvergence(t, nodes, nodes[0].id)
	require.True(t, nodes[0].led)
}

func TestElectionConvergesFiveNodes(t *testing.T) {
	nodes, cleanup := setupRing(t, 5)
	defer cleanup()

	ids := make([]nodeid.ID, len(nodes))
	for i, nd := range nodes {
		ids[i] = nd.id
	}
	maxID := ring.Build(ids[0], ids[1:]).Leader()

	for _, nd := range nodes {
		nd.el.RequestElection()
	}

	waitForConvergence(t, nodes, maxID)
}
