// Package server is the top-level wiring layer: it constructs Discovery,
// Ring, Heartbeat, Election, Replication, FO-Multicast and Service in
// dependency order, connects them with the plain-callback pattern each
// subsystem already exposes, and drives the full concurrent task set
// until shutdown.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/fistfight/votecast/internal/config"
	"github.com/fistfight/votecast/internal/discovery"
	"github.com/fistfight/votecast/internal/election"
	"github.com/fistfight/votecast/internal/fomulticast"
	"github.com/fistfight/votecast/internal/heartbeat"
	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/replication"
	"github.com/fistfight/votecast/internal/ring"
	"github.com/fistfight/votecast/internal/service"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Server owns every subsystem for one votecast node and the UDP sockets
// they share.
type Server struct {
	self nodeid.ID
	cfg  config.Config

	mc *transport.Multicast
	uc *transport.Unicast

	discovery *discovery.Discovery
	hb        *heartbeat.Heartbeat
	election  *election.Election
	repl      *replication.Replication
	fm        *fomulticast.FOMulticast
	svc       *service.Service

	clientReqs chan transport.Received

	metrics *metrics.Registry
	log     *log.Entry
}

// New binds both sockets and constructs every subsystem. seed is the
// optional static peer list from a cluster bootstrap file; discovery still
// converges over multicast but seed lets a ring form before the first
// ANNOUNCE round completes.
func New(self nodeid.ID, cfg config.Config, seed []nodeid.ID, reg *metrics.Registry, logger *log.Entry) (*Server, error) {
	entry := logger.WithField("node", self.String())

	mc, err := transport.NewMulticast(cfg.MulticastAddr, cfg.MulticastTTL, cfg.BufSize, entry)
	if err != nil {
		return nil, fmt.Errorf("server: join multicast group: %w", err)
	}
	uc, err := transport.NewUnicast(self.Port, cfg.BufSize, entry)
	if err != nil {
		mc.Close()
		return nil, fmt.Errorf("server: bind unicast socket: %w", err)
	}
	// self.Port may have been 0 (bind any free port, e.g. in tests); take
	// the actually bound port as authoritative so every subsystem agrees
	// with what peers will see as this node's NodeId.
	self.Port = uc.LocalPort()
	entry = logger.WithField("node", self.String())

	s := &Server{
		self:       self,
		cfg:        cfg,
		mc:         mc,
		uc:         uc,
		clientReqs: make(chan transport.Received, 128),
		metrics:    reg,
		log:        entry,
	}

	s.discovery = discovery.New(self, mc, discovery.Config{
		AnnounceInterval: cfg.DiscoveryInterval,
		Timeout:          cfg.DiscoveryTimeout,
	}, reg, entry, seed)

	s.hb = heartbeat.New(self, uc, heartbeat.Config{
		Interval: cfg.HBInterval,
		Timeout:  cfg.HBTimeout,
	}, s.currentLeader, s.discovery.Remove, reg, entry)

	s.election = election.New(self, uc, s.ringFn, election.Config{
		Timeout: cfg.ElectionTimeout,
	}, s.onLeaderChange, reg, entry)

	s.fm = fomulticast.New(self, uc, fomulticast.Config{
		RetransmitInterval: cfg.FORetransmit,
	}, nil, reg, entry)

	s.svc = service.New(self, uc, nil, s.fm, s.election.IsLeader, s.election.Leader, reg, entry)

	s.repl = replication.New(self, uc, s.ringFn, replication.Config{
		ReplTimeout: cfg.ReplTimeout,
	}, s.svc, reg, entry)
	s.svc.SetReplication(s.repl)

	return s, nil
}

// LocalPort returns the bound unicast port (useful when New was given
// port 0, e.g. in tests).
func (s *Server) LocalPort() int {
	return s.uc.LocalPort()
}

func (s *Server) ringFn() ring.Ring {
	return ring.Build(s.self, s.discovery.Members())
}

func (s *Server) currentLeader() nodeid.ID {
	return s.election.Leader()
}

// onLeaderChange is invoked by Election.Run whenever a new HS_LEADER
// announcement is adopted. It updates replication's epoch and, if this
// node just became leader, bootstraps authoritative state from peers and
// broadcasts NEW_LEADER so clients can retarget.
func (s *Server) onLeaderChange(leader nodeid.ID, isLeader bool, epoch uint64) {
	s.repl.SetRole(isLeader, epoch)
	if !isLeader {
		return
	}

	s.log.WithField("epoch", epoch).Info("became leader, bootstrapping state")
	ctx, cancel := context.WithTimeout(context.Background(), 4*s.cfg.ReplTimeout)
	defer cancel()
	s.repl.Bootstrap(ctx)
	s.svc.OnBecomeLeader()

	env, err := proto.Pack(proto.TagNewLeader, epoch, 0, s.self, proto.NewLeaderPayload{Leader: s.self, Epoch: epoch})
	if err != nil {
		s.log.WithError(err).Error("failed to pack NEW_LEADER")
		return
	}
	if err := s.mc.Send(env); err != nil {
		s.log.WithError(err).Debug("failed to broadcast NEW_LEADER")
	}
}

// Run starts every concurrent task and blocks until ctx is cancelled. On
// cancellation it stops the task set and returns; a shutting-down server
// does not attempt a leadership handoff, it simply lets the next
// heartbeat timeout on its neighbours drive re-election.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	s.hb.SetRing(s.ringFn())

	spawn(func(ctx context.Context) { s.mc.Run(ctx, s.dispatchMulticast) })
	spawn(func(ctx context.Context) { s.uc.Run(ctx, s.dispatchUnicast) })
	spawn(s.discovery.Run)
	spawn(s.hb.Run)
	spawn(s.election.Run)
	spawn(s.fm.Run)
	spawn(s.svc.Run)
	spawn(s.clientRequestWorker)
	spawn(s.watchMembership)
	spawn(s.watchHeartbeatEvents)

	// Kick off the first election round; subsequent rounds are
	// event-driven (a membership change, ELECTION_NEEDED from Heartbeat,
	// or a round timeout).
	s.election.RequestElection()

	<-ctx.Done()
	s.log.Info("shutting down, no leadership handoff attempted")
	wg.Wait()
	return s.close()
}

func (s *Server) close() error {
	err1 := s.uc.Close()
	err2 := s.mc.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Server) watchMembership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.discovery.Changes():
			s.hb.SetRing(s.ringFn())
			s.election.RequestElection()
		}
	}
}

func (s *Server) watchHeartbeatEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hb.ElectionNeeded():
			s.election.RequestElection()
		case dead := <-s.hb.LeaderLost():
			s.log.WithField("leader", dead).Warn("leader declared dead, awaiting re-election")
		}
	}
}

func (s *Server) dispatchMulticast(r transport.Received) {
	switch r.Envelope.Tag {
	case proto.TagAnnounce:
		s.discovery.HandleAnnounce(r.Envelope)
	case proto.TagNewLeader:
		// client-facing retarget signal; servers already learn the
		// leader from the HS_LEADER ring traversal.
	default:
		s.log.WithField("tag", r.Envelope.Tag).Debug("dropping unexpected multicast tag")
	}
}

func (s *Server) dispatchUnicast(r transport.Received) {
	switch r.Envelope.Tag {
	case proto.TagHSElection:
		s.election.HandleElection(r.Envelope)
	case proto.TagHSReply:
		s.election.HandleReply(r.Envelope)
	case proto.TagHSLeader:
		s.election.HandleLeader(r.Envelope)
	case proto.TagHeartbeat:
		s.hb.HandleHeartbeat(r.Envelope)
	case proto.TagHeartbeatAck:
		s.hb.HandleHeartbeatAck(r.Envelope)
	case proto.TagRepl:
		s.repl.HandleRepl(r.Envelope)
	case proto.TagReplAck:
		s.repl.HandleReplAck(r.Envelope)
	case proto.TagReplStateRequest:
		s.repl.HandleReplStateRequest(r.Envelope)
	case proto.TagReplState:
		s.repl.HandleReplState(r.Envelope)
	case proto.TagAck:
		s.fm.HandleAck(r.Envelope)
	case proto.TagRegister, proto.TagCreateGroup, proto.TagJoinGroup,
		proto.TagLeaveGroup, proto.TagStartVote, proto.TagCastBallot:
		// Client ops block on replication acks, and those acks arrive on
		// this dispatch goroutine: hand them to the client-request worker
		// instead of handling them inline.
		select {
		case s.clientReqs <- r:
		default:
			s.log.WithField("tag", r.Envelope.Tag).Warn("client request queue full, dropping datagram")
		}
	default:
		s.log.WithField("tag", r.Envelope.Tag).Debug("dropping unexpected unicast tag")
	}
}

func (s *Server) clientRequestWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.clientReqs:
			switch r.Envelope.Tag {
			case proto.TagRegister:
				s.svc.HandleRegister(r.Envelope)
			case proto.TagCreateGroup:
				s.svc.HandleCreateGroup(r.Envelope)
			case proto.TagJoinGroup:
				s.svc.HandleJoinGroup(r.Envelope)
			case proto.TagLeaveGroup:
				s.svc.HandleLeaveGroup(r.Envelope)
			case proto.TagStartVote:
				s.svc.HandleStartVote(r.Envelope)
			case proto.TagCastBallot:
				s.svc.HandleCastBallot(r.Envelope)
			}
		}
	}
}

// MetricsRegistry exposes the Prometheus registry for cmd/server to serve
// over HTTP.
func (s *Server) MetricsRegistry() *metrics.Registry {
	return s.metrics
}

// Self returns this node's identity.
func (s *Server) Self() nodeid.ID {
	return s.self
}
