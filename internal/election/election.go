// Package election implements the Hirschberg-Sinclair bidirectional-ring
// leader election algorithm: a struct guarded by sync.Mutex, an updates
// channel notifying the owning process of role transitions, a goroutine watching
// for election timeouts. HS swallows lower-priority probes instead of
// deferring to them, and announces victory by a single ring traversal
// instead of a broadcast-and-wait.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/ring"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Config is the subset of the global config election needs.
type Config struct {
	Timeout time.Duration
}

// Election drives HS election rounds over the current ring and tracks
// this node's belief about the current leader.
type Election struct {
	self   nodeid.ID
	uc     *transport.Unicast
	ringFn func() ring.Ring
	cfg    Config

	mu           sync.Mutex
	round        uint64
	phase        uint32
	isCandidate  bool
	awaiting     map[proto.Direction]bool
	roundStarted bool // whether self has sent its own probes for h.round
	leader       nodeid.ID
	leaderRound  uint64 // round in which leader was adopted
	haveLeader   bool

	start   chan struct{}
	updates chan leaderUpdate
	timer   *time.Timer

	onLeaderChange func(leader nodeid.ID, isLeader bool, epoch uint64)
	metrics        *metrics.Registry
	log            *log.Entry
}

// never fires; used to "pause" the round timeout once a round has
// converged, until the next explicit RequestElection.
const paused = 365 * 24 * time.Hour

type leaderUpdate struct {
	leader   nodeid.ID
	isLeader bool
	epoch    uint64
}

// New builds an Election. onLeaderChange is invoked (from the Run
// goroutine, never concurrently) whenever a HS_LEADER announcement is
// adopted; epoch is the winning round_id, used by replication as the new
// leader-epoch.
func New(self nodeid.ID, uc *transport.Unicast, ringFn func() ring.Ring, cfg Config, onLeaderChange func(nodeid.ID, bool, uint64), reg *metrics.Registry, logger *log.Entry) *Election {
	return &Election{
		self:           self,
		uc:             uc,
		ringFn:         ringFn,
		cfg:            cfg,
		awaiting:       map[proto.Direction]bool{},
		start:          make(chan struct{}, 1),
		updates:        make(chan leaderUpdate, 8),
		timer:          time.NewTimer(paused),
		onLeaderChange: onLeaderChange,
		metrics:        reg,
		log:            logger.WithField("component", "election"),
	}
}

// Leader returns this node's current belief about the leader identity.
// The zero value, haveLeader=false, means "no leader known yet".
func (e *Election) Leader() nodeid.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// HaveLeader reports whether a leader has ever been observed.
func (e *Election) HaveLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haveLeader
}

// IsLeader reports whether this node is the current leader.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haveLeader && e.leader == e.self
}

// RequestElection raises ELECTION_NEEDED: a fresh round begins (or is
// already pending) the next time Run's loop is scheduled.
func (e *Election) RequestElection() {
	select {
	case e.start <- struct{}{}:
	default:
	}
}

// Run drives the election round-timeout and start-request loop until ctx
// is cancelled. Incoming HS_ELECTION/HS_REPLY/HS_LEADER datagrams are
// delivered via Handle{Election,Reply,Leader}, typically called from the
// owning server's Unicast.Run dispatch on a different goroutine; all
// mutation happens under e.mu so this is safe.
func (e *Election) Run(ctx context.Context) {
	defer e.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.start:
			e.beginRound()
		case <-e.timer.C:
			e.log.Warn("election round timed out, starting a fresh round")
			e.beginRound()
		case u := <-e.updates:
			if e.onLeaderChange != nil {
				e.onLeaderChange(u.leader, u.isLeader, u.epoch)
			}
		}
	}
}

func (e *Election) beginRound() {
	e.mu.Lock()
	e.round++
	e.phase = 0
	e.isCandidate = true
	e.awaiting = map[proto.Direction]bool{proto.Left: true, proto.Right: true}
	e.roundStarted = true
	round := e.round
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ElectionRounds.Inc()
	}
	e.log.WithField("round", round).Info("starting election round")
	e.timer.Reset(e.cfg.Timeout)

	if e.tryPrePhaseVictory(round, 0) {
		return
	}
	e.probeBothDirections(round, 0)
}

// tryPrePhaseVictory declares victory outright before probing phase p if
// 2^(p+1) already covers the whole ring, since no further doubling could
// reach a higher-priority candidate that hasn't already swallowed this one.
func (e *Election) tryPrePhaseVictory(round uint64, phase uint32) bool {
	r := e.ringFn()
	if (uint64(1) << (phase + 1)) >= uint64(r.Len()) {
		e.victory(round)
		return true
	}
	return false
}

func (e *Election) probeBothDirections(round uint64, phase uint32) {
	hops := 1 << phase
	e.sendElection(round, proto.Left, hops, phase)
	e.sendElection(round, proto.Right, hops, phase)
}

func (e *Election) sendElection(round uint64, dir proto.Direction, hops int, phase uint32) {
	r := e.ringFn()
	target := r.Neighbour(ringDir(dir))
	env, err := proto.Pack(proto.TagHSElection, round, 0, e.self, proto.HSElectionPayload{
		Origin: e.self, Dir: dir, Hops: hops, Phase: phase,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to pack HS_ELECTION")
		return
	}
	if err := e.uc.Send(target.String(), env); err != nil {
		e.log.WithError(err).Debug("failed to send HS_ELECTION")
	}
}

func ringDir(d proto.Direction) ring.Direction {
	if d == proto.Left {
		return ring.DirLeft
	}
	return ring.DirRight
}

// HandleElection processes an inbound HS_ELECTION datagram.
func (e *Election) HandleElection(env proto.Envelope) {
	var p proto.HSElectionPayload
	if err := proto.Unpack(env, &p); err != nil {
		e.log.WithError(err).Debug("dropping malformed HS_ELECTION")
		return
	}

	e.mu.Lock()
	if env.Round < e.round {
		e.mu.Unlock()
		return // PROTOCOL_STALE, dropped silently
	}
	if env.Round > e.round {
		e.round = env.Round
		e.phase = 0
		e.isCandidate = true
		e.awaiting = map[proto.Direction]bool{proto.Left: true, proto.Right: true}
		e.roundStarted = false
	}
	round := e.round
	needSelfStart := !e.roundStarted && p.Origin.Less(e.self)
	if needSelfStart {
		e.roundStarted = true
	}
	e.mu.Unlock()

	switch {
	case needSelfStart:
		// self hasn't started this round yet and a probe from a
		// lower-priority origin just arrived: join the round by probing
		// both directions at phase 0, using the already-synced round
		// rather than starting a new one, then swallow the probe.
		e.timer.Reset(e.cfg.Timeout)
		if !e.tryPrePhaseVictory(round, 0) {
			e.probeBothDirections(round, 0)
		}
		e.swallow(env, p)

	case p.Origin.Less(e.self):
		e.swallow(env, p)

	case p.Origin == e.self:
		e.victory(round)

	default: // p.Origin > e.self
		e.mu.Lock()
		e.isCandidate = false
		e.mu.Unlock()

		if p.Hops > 1 {
			e.forwardElection(round, p, p.Hops-1, p.Dir)
		} else {
			e.sendReply(round, p.Origin, p.Dir.Opposite(), p.Phase)
		}
	}
}

// swallow logs the drop; nothing else to do (the message is simply not
// forwarded).
func (e *Election) swallow(env proto.Envelope, p proto.HSElectionPayload) {
	e.log.WithFields(log.Fields{"origin": p.Origin, "round": env.Round}).Debug("swallowing lower-priority HS_ELECTION")
}

func (e *Election) forwardElection(round uint64, p proto.HSElectionPayload, hops int, dir proto.Direction) {
	r := e.ringFn()
	target := r.Neighbour(ringDir(dir))
	env, err := proto.Pack(proto.TagHSElection, round, 0, e.self, proto.HSElectionPayload{
		Origin: p.Origin, Dir: dir, Hops: hops, Phase: p.Phase,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to pack forwarded HS_ELECTION")
		return
	}
	if err := e.uc.Send(target.String(), env); err != nil {
		e.log.WithError(err).Debug("failed to forward HS_ELECTION")
	}
}

func (e *Election) sendReply(round uint64, origin nodeid.ID, dir proto.Direction, phase uint32) {
	r := e.ringFn()
	target := r.Neighbour(ringDir(dir))
	env, err := proto.Pack(proto.TagHSReply, round, 0, e.self, proto.HSReplyPayload{
		Origin: origin, Dir: dir, Phase: phase,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to pack HS_REPLY")
		return
	}
	if err := e.uc.Send(target.String(), env); err != nil {
		e.log.WithError(err).Debug("failed to send HS_REPLY")
	}
}

// HandleReply processes an inbound HS_REPLY datagram.
func (e *Election) HandleReply(env proto.Envelope) {
	var p proto.HSReplyPayload
	if err := proto.Unpack(env, &p); err != nil {
		e.log.WithError(err).Debug("dropping malformed HS_REPLY")
		return
	}

	e.mu.Lock()
	mine := p.Origin == e.self && p.Phase == e.phase && env.Round == e.round
	if !mine {
		e.mu.Unlock()
		e.forwardReply(env.Round, p)
		return
	}

	e.awaiting[p.Dir] = false
	advance := !e.awaiting[proto.Left] && !e.awaiting[proto.Right] && e.isCandidate
	round := e.round
	var nextPhase uint32
	if advance {
		e.phase++
		nextPhase = e.phase
		e.awaiting = map[proto.Direction]bool{proto.Left: true, proto.Right: true}
	}
	e.mu.Unlock()

	if !advance {
		return
	}
	e.timer.Reset(e.cfg.Timeout)
	if e.tryPrePhaseVictory(round, nextPhase) {
		return
	}
	e.probeBothDirections(round, nextPhase)
}

func (e *Election) forwardReply(round uint64, p proto.HSReplyPayload) {
	r := e.ringFn()
	target := r.Neighbour(ringDir(p.Dir))
	env, err := proto.Pack(proto.TagHSReply, round, 0, e.self, p)
	if err != nil {
		e.log.WithError(err).Error("failed to pack forwarded HS_REPLY")
		return
	}
	if err := e.uc.Send(target.String(), env); err != nil {
		e.log.WithError(err).Debug("failed to forward HS_REPLY")
	}
}

// victory adopts self as leader and broadcasts HS_LEADER once around the
// ring.
func (e *Election) victory(round uint64) {
	e.log.WithField("round", round).Info("declaring victory")
	e.adoptLeader(round, e.self)

	r := e.ringFn()
	if r.Len() == 1 {
		return // nothing to announce to
	}
	env, err := proto.Pack(proto.TagHSLeader, round, 0, e.self, proto.HSLeaderPayload{Leader: e.self})
	if err != nil {
		e.log.WithError(err).Error("failed to pack HS_LEADER")
		return
	}
	if err := e.uc.Send(r.RightID().String(), env); err != nil {
		e.log.WithError(err).Debug("failed to broadcast HS_LEADER")
	}
}

// HandleLeader processes an inbound HS_LEADER announcement, adopting the
// leader and forwarding the announcement once around the ring unless this
// node is the originating leader (closing the loop).
func (e *Election) HandleLeader(env proto.Envelope) {
	var p proto.HSLeaderPayload
	if err := proto.Unpack(env, &p); err != nil {
		e.log.WithError(err).Debug("dropping malformed HS_LEADER")
		return
	}

	e.mu.Lock()
	if e.haveLeader && env.Round < e.round {
		e.mu.Unlock()
		return // stale announcement from an earlier round
	}
	e.round = maxUint64(e.round, env.Round)
	e.mu.Unlock()

	e.adoptLeader(env.Round, p.Leader)

	if p.Leader == e.self {
		return // loop completed
	}
	r := e.ringFn()
	fwd, err := proto.Pack(proto.TagHSLeader, env.Round, 0, e.self, p)
	if err != nil {
		e.log.WithError(err).Error("failed to pack forwarded HS_LEADER")
		return
	}
	if err := e.uc.Send(r.RightID().String(), fwd); err != nil {
		e.log.WithError(err).Debug("failed to forward HS_LEADER")
	}
}

func (e *Election) adoptLeader(round uint64, leader nodeid.ID) {
	e.mu.Lock()
	changed := !e.haveLeader || e.leader != leader || e.leaderRound != round
	e.leader = leader
	e.leaderRound = round
	e.haveLeader = true
	isLeader := leader == e.self
	e.mu.Unlock()

	// Converged: pause the round timer until the next RequestElection.
	e.timer.Reset(paused)

	if changed {
		e.log.WithFields(log.Fields{"leader": leader, "epoch": round}).Info("adopted new leader")
		// Hand the transition to the Run goroutine: the onLeaderChange
		// callback may block (state bootstrap waits on datagrams that
		// arrive via the same dispatch goroutine adoptLeader can be
		// called from).
		select {
		case e.updates <- leaderUpdate{leader: leader, isLeader: isLeader, epoch: round}:
		default:
			e.log.Warn("leader update queue full, dropping transition notification")
		}
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
