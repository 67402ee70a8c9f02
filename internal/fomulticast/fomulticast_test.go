package fomulticast

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

type recorder struct {
	mu        sync.Mutex
	delivered []any
}

func (r *recorder) record(_ string, _ nodeid.ID, _ proto.Tag, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, payload)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

type member struct {
	id   nodeid.ID
	uc   *transport.Unicast
	fm   *FOMulticast
	recv *recorder
}

func newMember(t *testing.T, cfg Config) *member {
	t.Helper()
	uc, err := transport.NewUnicast(0, 4096, testLogger())
	require.NoError(t, err)
	id := nodeid.ID{Host: "127.0.0.1", Port: uc.LocalPort()}
	rec := &recorder{}
	fm := New(id, uc, cfg, rec.record, nil, testLogger())
	return &member{id: id, uc: uc, fm: fm, recv: rec}
}

func wireDispatch(ctx context.Context, m *member) {
	go m.uc.Run(ctx, func(r transport.Received) {
		switch r.Envelope.Tag {
		case proto.TagDeliver:
			m.fm.HandleDeliver(r.Envelope)
		case proto.TagAck:
			m.fm.HandleAck(r.Envelope)
		}
	})
}

func TestSendDeliversInOrderAndRetiresOnAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newMember(t, Config{RetransmitInterval: 50 * time.Millisecond})
	follower := newMember(t, Config{RetransmitInterval: 50 * time.Millisecond})
	defer leader.uc.Close()
	defer follower.uc.Close()
	wireDispatch(ctx, leader)
	wireDispatch(ctx, follower)

	leader.fm.OpenGroup("g1", []nodeid.ID{follower.id})
	follower.fm.JoinReceive("g1", leader.id, 0)

	leader.fm.Send("g1", proto.TagVoteOpen, proto.VoteOpenPayload{VoteID: "v1", Topic: "pizza"})
	leader.fm.Send("g1", proto.TagBallotCount, proto.BallotCountedPayload{VoteID: "v1", ClientID: "c1", OptionIndex: 0})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && follower.recv.count() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 2, follower.recv.count())

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		leader.fm.mu.Lock()
		remaining := len(leader.fm.senders["g1"].buffer)
		leader.fm.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	leader.fm.mu.Lock()
	remaining := len(leader.fm.senders["g1"].buffer)
	leader.fm.mu.Unlock()
	require.Equal(t, 0, remaining, "fully-acked messages should be retired from the retransmit buffer")
}

func TestHandleDeliverBuffersOutOfOrderAndDedupes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := newMember(t, Config{RetransmitInterval: time.Second})
	receiver := newMember(t, Config{RetransmitInterval: time.Second})
	defer sender.uc.Close()
	defer receiver.uc.Close()
	wireDispatch(ctx, receiver)

	receiver.fm.JoinReceive("g1", sender.id, 0)

	env1, _ := proto.Pack(proto.TagDeliver, 0, 1, sender.id, proto.DeliverPayload{Group: "g1", Kind: proto.TagVoteOpen, Payload: "second"})
	receiver.fm.HandleDeliver(env1)
	require.Equal(t, 0, receiver.recv.count(), "seq 1 should be held back while seq 0 is missing")

	env0, _ := proto.Pack(proto.TagDeliver, 0, 0, sender.id, proto.DeliverPayload{Group: "g1", Kind: proto.TagVoteOpen, Payload: "first"})
	receiver.fm.HandleDeliver(env0)
	require.Equal(t, 2, receiver.recv.count(), "arrival of seq 0 should drain the held-back seq 1")

	receiver.fm.HandleDeliver(env0)
	require.Equal(t, 2, receiver.recv.count(), "duplicate seq 0 must not be redelivered")
}

func TestRemoveMemberRetiresMessageMissingOnlyThatAck(t *testing.T) {
	leader := newMember(t, Config{RetransmitInterval: time.Second})
	defer leader.uc.Close()
	gone := nodeid.ID{Host: "127.0.0.1", Port: 9999}

	leader.fm.OpenGroup("g1", []nodeid.ID{gone})
	leader.fm.Send("g1", proto.TagVoteOpen, proto.VoteOpenPayload{VoteID: "v1"})

	leader.fm.mu.Lock()
	require.Len(t, leader.fm.senders["g1"].buffer, 1)
	leader.fm.mu.Unlock()

	leader.fm.RemoveMember("g1", gone)

	leader.fm.mu.Lock()
	require.Len(t, leader.fm.senders["g1"].buffer, 0)
	leader.fm.mu.Unlock()
}
