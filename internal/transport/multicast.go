package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/fistfight/votecast/internal/proto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// Multicast owns the discovery/leader-broadcast multicast group. It
// splits the send and receive sockets: DialUDP for sending,
// ListenMulticastUDP for receiving, with golang.org/x/net/ipv4 used to set
// the outbound TTL (default 1, LAN-only).
type Multicast struct {
	sendConn *net.UDPConn
	recvConn *net.UDPConn
	pc       *ipv4.PacketConn
	bufSize  int
	log      *log.Entry
}

// NewMulticast joins the multicast group at addr (e.g. "224.1.1.1:5007")
// with the given outbound TTL.
func NewMulticast(addr string, ttl int, bufSize int, logger *log.Entry) (*Multicast, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve multicast addr %s: %w", addr, err)
	}

	sendConn, err := net.DialUDP("udp", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial multicast %s: %w", addr, err)
	}

	recvConn, err := net.ListenMulticastUDP("udp", nil, groupAddr)
	if err != nil {
		sendConn.Close()
		return nil, fmt.Errorf("transport: join multicast group %s: %w", addr, err)
	}

	pc := ipv4.NewPacketConn(sendConn)
	if err := pc.SetMulticastTTL(ttl); err != nil {
		logger.WithError(err).Warn("failed to set multicast TTL, continuing with OS default")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.WithError(err).Warn("failed to enable multicast loopback")
	}

	return &Multicast{sendConn: sendConn, recvConn: recvConn, pc: pc, bufSize: bufSize, log: logger}, nil
}

// Send broadcasts env to the multicast group.
func (m *Multicast) Send(env proto.Envelope) error {
	raw, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if _, err := m.sendConn.Write(raw); err != nil {
		return fmt.Errorf("transport: multicast send: %w", err)
	}
	return nil
}

// Run reads multicast datagrams until ctx is cancelled, delivering each
// decoded envelope to handle.
func (m *Multicast) Run(ctx context.Context, handle func(Received)) {
	buf := make([]byte, m.bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = m.recvConn.SetReadDeadline(deadlineFromCtx(ctx))
		n, from, err := m.recvConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			m.log.WithError(err).Debug("multicast read error")
			continue
		}
		env, err := proto.Decode(buf[:n])
		if err != nil {
			m.log.WithError(err).WithField("from", from).Debug("dropping malformed multicast datagram")
			continue
		}
		handle(Received{Envelope: env, From: from})
	}
}

// Close leaves the multicast group and releases both sockets.
func (m *Multicast) Close() error {
	err1 := m.sendConn.Close()
	err2 := m.recvConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
