// Package heartbeat detects neighbour death by unicast probing the
// current left ring neighbour: a ticker compares time.Since(lastHeartbeat)
// against a timeout and declares the neighbour dead on a PING/PONG probe
// going unanswered.
package heartbeat

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

// Config is the subset of the global config heartbeat needs.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Heartbeat owns liveness detection of the current left neighbour.
type Heartbeat struct {
	self nodeid.ID
	uc   *transport.Unicast
	cfg  Config

	currentLeader func() nodeid.ID
	onDead        func(nodeid.ID)

	mu       sync.Mutex
	left     nodeid.ID
	haveLeft bool
	lastAck  time.Time
	seq      uint64

	electionNeeded chan struct{}
	leaderLost     chan nodeid.ID

	metrics *metrics.Registry
	log     *log.Entry
}

// New builds a Heartbeat. currentLeader reports the node's belief about
// who the leader is (owned by the election subsystem; wired as a plain
// callback to avoid a heartbeat<->election import cycle, since heartbeat
// sits below election in the dependency order). onDead is called to evict
// a declared-dead neighbour from the MemberSet (typically
// discovery.Discovery.Remove).
func New(self nodeid.ID, uc *transport.Unicast, cfg Config, currentLeader func() nodeid.ID, onDead func(nodeid.ID), reg *metrics.Registry, logger *log.Entry) *Heartbeat {
	return &Heartbeat{
		self:           self,
		uc:             uc,
		cfg:            cfg,
		currentLeader:  currentLeader,
		onDead:         onDead,
		electionNeeded: make(chan struct{}, 1),
		leaderLost:     make(chan nodeid.ID, 1),
		metrics:        reg,
		log:            logger.WithField("component", "heartbeat"),
	}
}

// ElectionNeeded signals that a fresh HS round should start (raised
// unconditionally whenever a neighbour is declared dead).
func (h *Heartbeat) ElectionNeeded() <-chan struct{} { return h.electionNeeded }

// LeaderLost signals that the declared-dead neighbour was the current
// leader.
func (h *Heartbeat) LeaderLost() <-chan nodeid.ID { return h.leaderLost }

// SetRing updates the neighbour being probed whenever RING_CHANGED fires.
// lastAck is reset to now when the target neighbour changes, so a fresh
// neighbour isn't immediately declared dead before it gets a chance to
// reply.
func (h *Heartbeat) SetRing(r ring.Ring) {
	newLeft := r.LeftID()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.haveLeft || newLeft != h.left {
		h.left = newLeft
		h.haveLeft = newLeft != h.self
		h.lastAck = time.Now()
	}
}

// Run drives the periodic probe-send and timeout-check loop until ctx is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe()
			h.checkTimeout()
		}
	}
}

func (h *Heartbeat) probe() {
	h.mu.Lock()
	if !h.haveLeft {
		h.mu.Unlock()
		return
	}
	target := h.left
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	env, err := proto.Pack(proto.TagHeartbeat, 0, seq, h.self, proto.HeartbeatPayload{Seq: seq})
	if err != nil {
		h.log.WithError(err).Error("failed to pack HEARTBEAT")
		return
	}
	if err := h.uc.Send(target.String(), env); err != nil {
		h.log.WithError(err).Debug("failed to send HEARTBEAT")
	}
}

// HandleHeartbeat replies HEARTBEAT_ACK to the prober.
func (h *Heartbeat) HandleHeartbeat(env proto.Envelope) {
	var payload proto.HeartbeatPayload
	if err := proto.Unpack(env, &payload); err != nil {
		h.log.WithError(err).Debug("dropping malformed HEARTBEAT")
		return
	}
	ack, err := proto.Pack(proto.TagHeartbeatAck, 0, payload.Seq, h.self, proto.HeartbeatAckPayload{Seq: payload.Seq})
	if err != nil {
		h.log.WithError(err).Error("failed to pack HEARTBEAT_ACK")
		return
	}
	if err := h.uc.Send(env.Sender.String(), ack); err != nil {
		h.log.WithError(err).Debug("failed to send HEARTBEAT_ACK")
	}
}

// HandleHeartbeatAck records that the probed neighbour is alive.
func (h *Heartbeat) HandleHeartbeatAck(env proto.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveLeft && env.Sender == h.left {
		h.lastAck = time.Now()
	}
}

func (h *Heartbeat) checkTimeout() {
	h.mu.Lock()
	if !h.haveLeft {
		h.mu.Unlock()
		return
	}
	dead := time.Since(h.lastAck) > h.cfg.Timeout
	target := h.left
	h.mu.Unlock()

	if !dead {
		return
	}

	h.log.WithField("peer", target).Warn("heartbeat timeout: declaring neighbour dead")
	if h.metrics != nil {
		h.metrics.HeartbeatMisses.Inc()
	}

	if h.onDead != nil {
		h.onDead(target)
	}

	if h.currentLeader != nil && h.currentLeader() == target {
		select {
		case h.leaderLost <- target:
		default:
		}
	}
	select {
	case h.electionNeeded <- struct{}{}:
	default:
	}

	// Prevent repeatedly re-declaring the same neighbour dead every tick
	// until SetRing installs a new target after membership removal and
	// re-election pick up the failure.
	h.mu.Lock()
	h.lastAck = time.Now()
	h.mu.Unlock()
}
