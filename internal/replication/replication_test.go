package replication

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

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

type appliedOp struct {
	kind    proto.ReplKind
	payload json.RawMessage
}

type stubSM struct {
	mu      sync.Mutex
	applied []appliedOp
	snap    proto.ReplStatePayload
}

func (s *stubSM) Apply(kind proto.ReplKind, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, appliedOp{kind: kind, payload: payload})
	return nil
}

func (s *stubSM) Snapshot() proto.ReplStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubSM) Install(state proto.ReplStatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = state
}

func (s *stubSM) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type testNode struct {
	id   nodeid.ID
	uc   *transport.Unicast
	repl *Replication
	sm   *stubSM
}

func setupNodes(t *testing.T, n int) ([]*testNode, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		uc, err := transport.NewUnicast(0, 4096, testLogger())
		require.NoError(t, err)
		nodes[i] = &testNode{id: nodeid.ID{Host: "127.0.0.1", Port: uc.LocalPort()}, uc: uc, sm: &stubSM{}}
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
		node.repl = New(self, node.uc, ringFn, Config{ReplTimeout: 60 * time.Millisecond}, node.sm, nil, testLogger())

		go node.uc.Run(ctx, func(r transport.Received) {
			switch r.Envelope.Tag {
			case proto.TagRepl:
				node.repl.HandleRepl(r.Envelope)
			case proto.TagReplAck:
				node.repl.HandleReplAck(r.Envelope)
			case proto.TagReplStateRequest:
				node.repl.HandleReplStateRequest(r.Envelope)
			case proto.TagReplState:
				node.repl.HandleReplState(r.Envelope)
			}
		})
	}

	cleanup := func() {
		cancel()
		for _, nd := range nodes {
			nd.uc.Close()
		}
	}
	return nodes, cleanup
}

func TestReplicateOpWaitsForAllAcks(t *testing.T) {
	nodes, cleanup := setupNodes(t, 3)
	defer cleanup()

	leader := nodes[0]
	leader.repl.SetRole(true, 1)
	for _, nd := range nodes[1:] {
		nd.repl.SetRole(false, 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opID, err := leader.repl.ReplicateOp(ctx, proto.ReplClientRegister, proto.ClientRecordWire{ClientID: "c1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), opID)

	require.Equal(t, 1, leader.sm.appliedCount())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if nodes[1].sm.appliedCount() == 1 && nodes[2].sm.appliedCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, nodes[1].sm.appliedCount())
	require.Equal(t, 1, nodes[2].sm.appliedCount())
}

func TestHandleReplBuffersOutOfOrderThenDrains(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 7001}
	sender := nodeid.ID{Host: "127.0.0.1", Port: 7002}
	uc, err := transport.NewUnicast(0, 4096, testLogger())
	require.NoError(t, err)
	defer uc.Close()

	sm := &stubSM{}
	r := New(self, uc, func() ring.Ring { return ring.Build(self, []nodeid.ID{sender}) }, Config{ReplTimeout: time.Second}, sm, nil, testLogger())
	r.SetRole(false, 1)

	op2, _ := proto.Pack(proto.TagRepl, 1, 2, sender, proto.ReplPayload{OpID: 2, Kind: proto.ReplGroupCreate, Payload: json.RawMessage(`{}`)})
	r.HandleRepl(op2)
	require.Equal(t, 0, sm.appliedCount(), "op 2 should be buffered until op 1 arrives")

	op1, _ := proto.Pack(proto.TagRepl, 1, 1, sender, proto.ReplPayload{OpID: 1, Kind: proto.ReplClientRegister, Payload: json.RawMessage(`{}`)})
	r.HandleRepl(op1)
	require.Equal(t, 2, sm.appliedCount(), "arrival of op 1 should drain the buffered op 2")
}

func TestHandleReplDropsStaleEpoch(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 7003}
	sender := nodeid.ID{Host: "127.0.0.1", Port: 7004}
	uc, err := transport.NewUnicast(0, 4096, testLogger())
	require.NoError(t, err)
	defer uc.Close()

	sm := &stubSM{}
	r := New(self, uc, func() ring.Ring { return ring.Build(self, []nodeid.ID{sender}) }, Config{ReplTimeout: time.Second}, sm, nil, testLogger())
	r.SetRole(false, 5)

	staleOp, _ := proto.Pack(proto.TagRepl, 2, 1, sender, proto.ReplPayload{OpID: 1, Kind: proto.ReplClientRegister, Payload: json.RawMessage(`{}`)})
	r.HandleRepl(staleOp)
	require.Equal(t, 0, sm.appliedCount(), "ops from an old leader epoch must be dropped")
}

func TestBootstrapInstallsHighestEpochState(t *testing.T) {
	nodes, cleanup := setupNodes(t, 2)
	defer cleanup()

	newLeader, stale := nodes[0], nodes[1]
	stale.repl.SetRole(false, 3)
	stale.sm.Install(proto.ReplStatePayload{Clients: []proto.ClientRecordWire{{ClientID: "old"}}})
	stale.repl.mu.Lock()
	stale.repl.lastApplied = 9
	stale.repl.mu.Unlock()

	newLeader.repl.SetRole(true, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	newLeader.repl.Bootstrap(ctx)

	snap := newLeader.sm.Snapshot()
	require.Equal(t, uint64(3), snap.Epoch)
	require.Equal(t, uint64(9), snap.LastOpID)
	require.Len(t, snap.Clients, 1)
	require.Equal(t, "old", snap.Clients[0].ClientID)
}
