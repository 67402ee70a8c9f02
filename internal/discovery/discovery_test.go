package discovery

import (
	"io"
	"testing"
	"time"

	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func TestHandleAnnounceNewPeerSignalsChange(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	d := New(self, nil, Config{AnnounceInterval: time.Second, Timeout: 5 * time.Second}, nil, testLogger(), nil)

	peer := nodeid.ID{Host: "127.0.0.1", Port: 6002}
	env, err := proto.Pack(proto.TagAnnounce, 0, 0, peer, proto.AnnouncePayload{Self: peer})
	require.NoError(t, err)

	d.HandleAnnounce(env)

	select {
	case <-d.Changes():
	default:
		t.Fatal("expected a membership change signal")
	}
	require.Equal(t, []nodeid.ID{peer}, d.Members())
}

func TestHandleAnnounceIgnoresSelf(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	d := New(self, nil, Config{AnnounceInterval: time.Second, Timeout: 5 * time.Second}, nil, testLogger(), nil)

	env, err := proto.Pack(proto.TagAnnounce, 0, 0, self, proto.AnnouncePayload{Self: self})
	require.NoError(t, err)
	d.HandleAnnounce(env)

	require.Empty(t, d.Members())
}

func TestSweepEvictsStalePeers(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	d := New(self, nil, Config{AnnounceInterval: time.Second, Timeout: 10 * time.Millisecond}, nil, testLogger(), nil)

	peer := nodeid.ID{Host: "127.0.0.1", Port: 6002}
	env, _ := proto.Pack(proto.TagAnnounce, 0, 0, peer, proto.AnnouncePayload{Self: peer})
	d.HandleAnnounce(env)
	<-d.Changes()

	time.Sleep(20 * time.Millisecond)
	d.sweep()

	select {
	case <-d.Changes():
	default:
		t.Fatal("expected a membership change signal on eviction")
	}
	require.Empty(t, d.Members())
}

func TestRemoveNeverEvictsSelf(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	d := New(self, nil, Config{AnnounceInterval: time.Second, Timeout: 5 * time.Second}, nil, testLogger(), nil)
	d.Remove(self)
	require.Empty(t, d.Members())
}

func TestSeedPeers(t *testing.T) {
	self := nodeid.ID{Host: "127.0.0.1", Port: 6001}
	seed := []nodeid.ID{
		{Host: "127.0.0.1", Port: 6002},
		{Host: "127.0.0.1", Port: 6003},
		self,
	}
	d := New(self, nil, Config{AnnounceInterval: time.Second, Timeout: 5 * time.Second}, nil, testLogger(), seed)
	require.Len(t, d.Members(), 2)
}
