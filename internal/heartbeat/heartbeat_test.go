package heartbeat

import (
	"io"
	"net"
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

func newUnicast(t *testing.T) *transport.Unicast {
	t.Helper()
	uc, err := transport.NewUnicast(0, 4096, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { uc.Close() })
	return uc
}

func TestHandleHeartbeatAckUpdatesLastAck(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	left := nodeid.ID{Host: "127.0.0.1", Port: 6002}
	h := New(self, newUnicast(t), Config{Interval: time.Second, Timeout: 5 * time.Millisecond}, func() nodeid.ID { return left }, nil, nil, testLogger())
	h.SetRing(ring.Build(self, []nodeid.ID{left}))

	h.checkTimeout()
	select {
	case <-h.ElectionNeeded():
		t.Fatal("should not declare neighbour dead before the timeout elapses")
	default:
	}

	time.Sleep(10 * time.Millisecond)
	ackEnv, err := proto.Pack(proto.TagHeartbeatAck, 0, 1, left, proto.HeartbeatAckPayload{Seq: 1})
	require.NoError(t, err)
	h.HandleHeartbeatAck(ackEnv)

	h.checkTimeout()
	select {
	case <-h.ElectionNeeded():
		t.Fatal("ack should have reset the timeout")
	default:
	}
}

func TestCheckTimeoutDeclaresDeadAndRaisesEvents(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	left := nodeid.ID{Host: "127.0.0.1", Port: 6002}

	var declaredDead nodeid.ID
	h := New(self, newUnicast(t), Config{Interval: time.Second, Timeout: 5 * time.Millisecond},
		func() nodeid.ID { return left }, // left is current leader
		func(id nodeid.ID) { declaredDead = id },
		nil, testLogger())
	h.SetRing(ring.Build(self, []nodeid.ID{left}))

	time.Sleep(10 * time.Millisecond)
	h.checkTimeout()

	require.Equal(t, left, declaredDead)
	select {
	case got := <-h.LeaderLost():
		require.Equal(t, left, got)
	default:
		t.Fatal("expected LEADER_LOST since the dead neighbour was leader")
	}
	select {
	case <-h.ElectionNeeded():
	default:
		t.Fatal("expected ELECTION_NEEDED unconditionally")
	}
}

func TestHandleHeartbeatRepliesAck(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	responder := New(self, newUnicast(t), Config{Interval: time.Second, Timeout: time.Second}, nil, nil, nil, testLogger())

	proberConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer proberConn.Close()
	proberID := nodeid.ID{Host: "127.0.0.1", Port: proberConn.LocalAddr().(*net.UDPAddr).Port}

	env, err := proto.Pack(proto.TagHeartbeat, 0, 7, proberID, proto.HeartbeatPayload{Seq: 7})
	require.NoError(t, err)

	responder.HandleHeartbeat(env)

	require.NoError(t, proberConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := proberConn.Read(buf)
	require.NoError(t, err)

	ackEnv, err := proto.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, proto.TagHeartbeatAck, ackEnv.Tag)

	var ack proto.HeartbeatAckPayload
	require.NoError(t, proto.Unpack(ackEnv, &ack))
	require.Equal(t, uint64(7), ack.Seq)
}
