// Package transport wraps the raw UDP sockets votecast runs over: one
// unicast socket per node for election/heartbeat/replication/client
// traffic, and one multicast socket for discovery announcements and
// leader broadcasts. Each raw socket is wrapped behind a small typed
// client owning its read loop.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/fistfight/votecast/internal/proto"
	log "github.com/sirupsen/logrus"
)

// Received is one inbound envelope plus the address it arrived from.
type Received struct {
	Envelope proto.Envelope
	From     *net.UDPAddr
}

// Unicast owns the per-node UDP socket used for election, heartbeat,
// replication, and client traffic.
type Unicast struct {
	conn    *net.UDPConn
	bufSize int
	log     *log.Entry
}

// NewUnicast binds a UDP socket on the given port (0.0.0.0:port).
func NewUnicast(port int, bufSize int, logger *log.Entry) (*Unicast, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind unicast port %d: %w", port, err)
	}
	return &Unicast{conn: conn, bufSize: bufSize, log: logger}, nil
}

// LocalPort returns the bound port, useful when NewUnicast was called with
// port 0 (tests).
func (u *Unicast) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send encodes and sends env to addr. Transport errors are transient:
// callers retry, they never surface to a client.
func (u *Unicast) Send(addr string, env proto.Envelope) error {
	raw, err := proto.Encode(env)
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	if _, err := u.conn.WriteToUDP(raw, udpAddr); err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	return nil
}

// Run reads datagrams until ctx is cancelled, delivering each decoded
// envelope to handle. Malformed datagrams are logged and dropped.
func (u *Unicast) Run(ctx context.Context, handle func(Received)) {
	buf := make([]byte, u.bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = u.conn.SetReadDeadline(deadlineFromCtx(ctx))
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			u.log.WithError(err).Debug("unicast read error")
			continue
		}
		env, err := proto.Decode(buf[:n])
		if err != nil {
			u.log.WithError(err).WithField("from", from).Debug("dropping malformed datagram")
			continue
		}
		handle(Received{Envelope: env, From: from})
	}
}

// Close releases the socket.
func (u *Unicast) Close() error {
	return u.conn.Close()
}
