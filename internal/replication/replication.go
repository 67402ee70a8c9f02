// Package replication keeps follower state close enough to the leader's
// that a newly elected leader can resume service with no perceived data
// loss beyond the most recent in-flight operation. A ticker retries
// unacknowledged ops until every follower has caught up, and a single
// owner goroutine applies the log in strict op-id order.
package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/ring"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// StateMachine is implemented by internal/service: the authoritative
// ClientRecords/Groups/Votes store that replication applies ops to and
// snapshots for follower bootstrap.
type StateMachine interface {
	Apply(kind proto.ReplKind, payload json.RawMessage) error
	Snapshot() proto.ReplStatePayload
	Install(state proto.ReplStatePayload)
}

// Config is the subset of the global config replication needs.
type Config struct {
	ReplTimeout time.Duration
}

type pendingOp struct {
	kind    proto.ReplKind
	payload json.RawMessage
	need    map[nodeid.ID]bool // peers whose ack we still need
	wake    chan struct{}
}

// Replication owns the leader-to-follower op log and the follower
// bootstrap protocol.
type Replication struct {
	self   nodeid.ID
	uc     *transport.Unicast
	ringFn func() ring.Ring
	cfg    Config
	sm     StateMachine

	mu              sync.Mutex
	epoch           uint64
	isLeader        bool
	nextOpID        uint64
	lastApplied     uint64
	pending         map[uint64]*pendingOp
	followerBuffer  map[uint64]proto.ReplPayload
	bootstrapWindow chan proto.ReplStatePayload // non-nil only during Bootstrap

	metrics *metrics.Registry
	log     *log.Entry
}

// New builds a Replication instance bound to sm.
func New(self nodeid.ID, uc *transport.Unicast, ringFn func() ring.Ring, cfg Config, sm StateMachine, reg *metrics.Registry, logger *log.Entry) *Replication {
	return &Replication{
		self:           self,
		uc:             uc,
		ringFn:         ringFn,
		cfg:            cfg,
		sm:             sm,
		pending:        make(map[uint64]*pendingOp),
		followerBuffer: make(map[uint64]proto.ReplPayload),
		metrics:        reg,
		log:            logger.WithField("component", "replication"),
	}
}

// SetRole transitions this node's replication role on a leadership change
// (called from the election onLeaderChange callback). When becoming
// leader, the caller should follow up with Bootstrap to install the most
// up to date state before serving clients.
func (r *Replication) SetRole(isLeader bool, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isLeader = isLeader
	if epoch > r.epoch {
		r.epoch = epoch
		r.lastApplied = 0
		r.followerBuffer = make(map[uint64]proto.ReplPayload)
	}
	if isLeader {
		r.nextOpID = 0
		r.pending = make(map[uint64]*pendingOp)
	}
}

// Epoch returns the current replication epoch.
func (r *Replication) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Bootstrap implements the new-leader state-transfer protocol: request
// REPL_STATE from every ring peer, install the response with the highest
// (epoch, last_op_id), and become ready to serve. It always succeeds
// (falling back to the node's own current state) after waiting at most
// 2*ReplTimeout for responses, since the new leader must make progress
// even if every follower is unreachable.
func (r *Replication) Bootstrap(ctx context.Context) {
	peers := r.livePeers()
	if len(peers) == 0 {
		return
	}

	r.mu.Lock()
	r.bootstrapWindow = make(chan proto.ReplStatePayload, len(peers))
	epoch := r.epoch
	r.mu.Unlock()

	req, err := proto.Pack(proto.TagReplStateRequest, epoch, 0, r.self, proto.ReplStateRequestPayload{})
	if err != nil {
		r.log.WithError(err).Error("failed to pack REPL_STATE_REQUEST")
		return
	}
	for _, p := range peers {
		if err := r.uc.Send(p.String(), req); err != nil {
			r.log.WithError(err).Debug("failed to send REPL_STATE_REQUEST")
		}
	}

	deadline := time.NewTimer(2 * r.cfg.ReplTimeout)
	defer deadline.Stop()

	var best proto.ReplStatePayload
	haveBest := false
collecting:
	for {
		select {
		case <-ctx.Done():
			break collecting
		case <-deadline.C:
			break collecting
		case snap := <-r.bootstrapWindow:
			if !haveBest || snap.Epoch > best.Epoch || (snap.Epoch == best.Epoch && snap.LastOpID > best.LastOpID) {
				best = snap
				haveBest = true
			}
		}
	}

	r.mu.Lock()
	r.bootstrapWindow = nil
	r.mu.Unlock()

	if haveBest && (best.Epoch > epoch || best.LastOpID > r.lastAppliedSnapshot()) {
		r.sm.Install(best)
		r.mu.Lock()
		r.lastApplied = best.LastOpID
		r.mu.Unlock()
		r.log.WithFields(log.Fields{"epoch": best.Epoch, "last_op_id": best.LastOpID}).Info("installed bootstrap state from peer")
	}
}

func (r *Replication) lastAppliedSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

func (r *Replication) livePeers() []nodeid.ID {
	rg := r.ringFn()
	peers := make([]nodeid.ID, 0, rg.Len()-1)
	for _, n := range rg.Nodes {
		if n != r.self {
			peers = append(peers, n)
		}
	}
	return peers
}

// ReplicateOp applies kind/payload locally, then synchronously replicates
// to every live peer, blocking until all have acknowledged and
// retransmitting to laggards every ReplTimeout. Peers that leave the ring
// mid-flight are dropped from the required-ack set rather than blocking
// forever.
func (r *Replication) ReplicateOp(ctx context.Context, kind proto.ReplKind, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	if err := r.sm.Apply(kind, raw); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.nextOpID++
	opID := r.nextOpID
	r.lastApplied = opID
	epoch := r.epoch
	need := map[nodeid.ID]bool{}
	for _, p := range r.livePeersLocked() {
		need[p] = true
	}
	op := &pendingOp{kind: kind, payload: raw, need: need, wake: make(chan struct{}, 1)}
	r.pending[opID] = op
	r.mu.Unlock()

	if len(need) == 0 {
		r.mu.Lock()
		delete(r.pending, opID)
		r.mu.Unlock()
		return opID, nil
	}

	r.sendReplTo(epoch, opID, op, r.remainingTargets(op))

	ticker := time.NewTicker(r.cfg.ReplTimeout)
	defer ticker.Stop()
	for {
		if r.opSatisfied(op) {
			r.mu.Lock()
			delete(r.pending, opID)
			r.mu.Unlock()
			return opID, nil
		}
		select {
		case <-ctx.Done():
			return opID, ctx.Err()
		case <-op.wake:
			continue
		case <-ticker.C:
			r.sendReplTo(epoch, opID, op, r.remainingTargets(op))
		}
	}
}

func (r *Replication) livePeersLocked() []nodeid.ID {
	rg := r.ringFn()
	peers := make([]nodeid.ID, 0, rg.Len()-1)
	for _, n := range rg.Nodes {
		if n != r.self {
			peers = append(peers, n)
		}
	}
	return peers
}

// remainingTargets intersects op.need with the current live ring, so a
// peer that departed the ring is no longer required to ack.
func (r *Replication) remainingTargets(op *pendingOp) []nodeid.ID {
	live := map[nodeid.ID]bool{}
	for _, p := range r.livePeers() {
		live[p] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []nodeid.ID
	for p, needed := range op.need {
		if !needed {
			continue
		}
		if !live[p] {
			delete(op.need, p) // left the ring, drop the requirement
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Replication) opSatisfied(op *pendingOp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, needed := range op.need {
		if needed {
			return false
		}
	}
	return true
}

func (r *Replication) sendReplTo(epoch, opID uint64, op *pendingOp, targets []nodeid.ID) {
	env, err := proto.Pack(proto.TagRepl, epoch, opID, r.self, proto.ReplPayload{OpID: opID, Kind: op.kind, Payload: json.RawMessage(op.payload)})
	if err != nil {
		r.log.WithError(err).Error("failed to pack REPL")
		return
	}
	for _, t := range targets {
		if err := r.uc.Send(t.String(), env); err != nil {
			r.log.WithError(err).Debug("failed to send REPL")
		}
	}
}

// HandleRepl applies (or buffers) a replicated op and acks every op of the
// current or a newer epoch, duplicates included, matching at-least-once
// delivery with client/follower-side idempotence. Ops from an older epoch
// are dropped without an ack.
func (r *Replication) HandleRepl(env proto.Envelope) {
	var p proto.ReplPayload
	if err := proto.Unpack(env, &p); err != nil {
		r.log.WithError(err).Debug("dropping malformed REPL")
		return
	}

	r.mu.Lock()
	if env.Round > r.epoch {
		r.epoch = env.Round
		r.lastApplied = 0
		r.followerBuffer = make(map[uint64]proto.ReplPayload)
	} else if env.Round < r.epoch {
		r.mu.Unlock()
		return // PROTOCOL_STALE: op from an old leader epoch
	}

	r.applyContiguousLocked(p)
	epoch := r.epoch
	r.mu.Unlock()

	ack, err := proto.Pack(proto.TagReplAck, epoch, p.OpID, r.self, proto.ReplAckPayload{OpID: p.OpID})
	if err != nil {
		r.log.WithError(err).Error("failed to pack REPL_ACK")
		return
	}
	if err := r.uc.Send(env.Sender.String(), ack); err != nil {
		r.log.WithError(err).Debug("failed to send REPL_ACK")
	}
}

// applyContiguousLocked must be called with r.mu held. It applies p if it
// is the next expected op, then drains any now-contiguous buffered ops.
func (r *Replication) applyContiguousLocked(p proto.ReplPayload) bool {
	if p.OpID <= r.lastApplied {
		return false // duplicate
	}
	if p.OpID != r.lastApplied+1 {
		r.followerBuffer[p.OpID] = p
		if r.metrics != nil {
			r.metrics.ReplicationLagOps.Set(float64(len(r.followerBuffer)))
		}
		return false
	}

	if err := r.sm.Apply(p.Kind, p.Payload); err != nil {
		r.log.WithError(err).WithField("op_id", p.OpID).Error("failed to apply replicated op")
	}
	r.lastApplied = p.OpID

	for {
		next, ok := r.followerBuffer[r.lastApplied+1]
		if !ok {
			break
		}
		delete(r.followerBuffer, r.lastApplied+1)
		if err := r.sm.Apply(next.Kind, next.Payload); err != nil {
			r.log.WithError(err).WithField("op_id", next.OpID).Error("failed to apply buffered replicated op")
		}
		r.lastApplied = next.OpID
	}
	if r.metrics != nil {
		r.metrics.ReplicationLagOps.Set(float64(len(r.followerBuffer)))
	}
	return true
}

// HandleReplAck records a peer's acknowledgement of a pending op.
func (r *Replication) HandleReplAck(env proto.Envelope) {
	var p proto.ReplAckPayload
	if err := proto.Unpack(env, &p); err != nil {
		r.log.WithError(err).Debug("dropping malformed REPL_ACK")
		return
	}

	r.mu.Lock()
	op, ok := r.pending[p.OpID]
	if ok {
		op.need[env.Sender] = false
	}
	r.mu.Unlock()

	if ok {
		select {
		case op.wake <- struct{}{}:
		default:
		}
	}
}

// HandleReplStateRequest replies with a snapshot of this node's state.
func (r *Replication) HandleReplStateRequest(env proto.Envelope) {
	r.mu.Lock()
	epoch := r.epoch
	lastApplied := r.lastApplied
	r.mu.Unlock()

	snap := r.sm.Snapshot()
	snap.Epoch = epoch
	snap.LastOpID = lastApplied

	replEnv, err := proto.Pack(proto.TagReplState, epoch, lastApplied, r.self, snap)
	if err != nil {
		r.log.WithError(err).Error("failed to pack REPL_STATE")
		return
	}
	if err := r.uc.Send(env.Sender.String(), replEnv); err != nil {
		r.log.WithError(err).Debug("failed to send REPL_STATE")
	}
}

// HandleReplState feeds a REPL_STATE response into an in-progress
// Bootstrap collection window; responses arriving outside a bootstrap
// window are dropped.
func (r *Replication) HandleReplState(env proto.Envelope) {
	var p proto.ReplStatePayload
	if err := proto.Unpack(env, &p); err != nil {
		r.log.WithError(err).Debug("dropping malformed REPL_STATE")
		return
	}

	r.mu.Lock()
	window := r.bootstrapWindow
	r.mu.Unlock()
	if window == nil {
		return
	}
	select {
	case window <- p:
	default:
	}
}
