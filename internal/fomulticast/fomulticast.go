// Package fomulticast delivers vote-related notifications from the leader
// to group members in FIFO order with reliable eventual delivery. Each
// sender tracks a per-group sequence number and retransmits on a ticker
// until every member has acknowledged; each receiver tracks the next
// expected sequence per (group, sender) and holds back early arrivals
// until the gap closes.
package fomulticast

import (
	"context"
	"sync"
	"time"

	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Config is the subset of the global config fomulticast needs.
type Config struct {
	RetransmitInterval time.Duration
}

type sentMessage struct {
	seq     uint64
	kind    proto.Tag
	payload any
	ackedBy map[nodeid.ID]bool
}

// senderState is the leader-side DeliveryState for a single group: the
// next outbound sequence number and the in-flight (unacked) message
// buffer.
type senderState struct {
	nextSendSeq uint64
	members     map[nodeid.ID]bool
	buffer      map[uint64]*sentMessage
}

// receiverKey identifies a (group, sender) pair on the receiving side.
type receiverKey struct {
	group  string
	sender nodeid.ID
}

// receiverState is the ReceiveState for one (group, sender) pair.
type receiverState struct {
	expectedSeq uint64
	holdback    map[uint64]proto.DeliverPayload
}

// Deliver is the application-facing callback invoked once per message, in
// FIFO order, with no gaps and no duplicates.
type Deliver func(group string, sender nodeid.ID, kind proto.Tag, payload any)

// FOMulticast owns both the leader-side sender buffers (one per group this
// node leads) and the receiver-side holdback buffers (one per (group,
// sender) this node has joined).
type FOMulticast struct {
	self nodeid.ID
	uc   *transport.Unicast
	cfg  Config
	on   Deliver

	mu        sync.Mutex
	senders   map[string]*senderState
	receivers map[receiverKey]*receiverState

	metrics *metrics.Registry
	log     *log.Entry
}

// New builds a FOMulticast. on is called for every in-order, deduplicated
// application message this node receives.
func New(self nodeid.ID, uc *transport.Unicast, cfg Config, on Deliver, reg *metrics.Registry, logger *log.Entry) *FOMulticast {
	return &FOMulticast{
		self:      self,
		uc:        uc,
		cfg:       cfg,
		on:        on,
		senders:   make(map[string]*senderState),
		receivers: make(map[receiverKey]*receiverState),
		metrics:   reg,
		log:       logger.WithField("component", "fomulticast"),
	}
}

// OpenGroup initializes (or resets) the leader-side send buffer for group
// with the given initial membership; called when this node becomes leader
// or a group is created.
func (f *FOMulticast) OpenGroup(group string, members []nodeid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[group]
	if !ok {
		s = &senderState{members: make(map[nodeid.ID]bool), buffer: make(map[uint64]*sentMessage)}
		f.senders[group] = s
	}
	for _, m := range members {
		s.members[m] = true
	}
}

// AddMember admits a newly joined member to group; they receive all
// messages sent from this point forward (join-seq semantics: the member
// is not retroactively owed already-buffered messages once they drop out
// of the buffer, but while buffered, is added to the ack requirement of
// every message still in flight).
func (f *FOMulticast) AddMember(group string, member nodeid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[group]
	if !ok {
		s = &senderState{members: make(map[nodeid.ID]bool), buffer: make(map[uint64]*sentMessage)}
		f.senders[group] = s
	}
	s.members[member] = true
}

// RemoveMember evicts member from group's ack requirement, completing any
// in-flight message whose only outstanding ack was theirs.
func (f *FOMulticast) RemoveMember(group string, member nodeid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[group]
	if !ok {
		return
	}
	delete(s.members, member)
	for seq, msg := range s.buffer {
		delete(msg.ackedBy, member)
		if f.fullyAckedLocked(s, msg) {
			delete(s.buffer, seq)
		}
	}
}

// NextSeq returns the next sequence number that will be assigned to group,
// used to tell a newly joining client where its ReceiveState should start.
func (f *FOMulticast) NextSeq(group string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.senders[group]; ok {
		return s.nextSendSeq
	}
	return 0
}

// Send stamps payload with the next sequence number for group and
// unicasts DELIVER to every current member, buffering it for retransmit
// until all members ack.
func (f *FOMulticast) Send(group string, kind proto.Tag, payload any) {
	f.mu.Lock()
	s, ok := f.senders[group]
	if !ok {
		s = &senderState{members: make(map[nodeid.ID]bool), buffer: make(map[uint64]*sentMessage)}
		f.senders[group] = s
	}
	seq := s.nextSendSeq
	s.nextSendSeq++
	msg := &sentMessage{seq: seq, kind: kind, payload: payload, ackedBy: make(map[nodeid.ID]bool)}
	if len(s.members) > 0 {
		s.buffer[seq] = msg
	}
	targets := make([]nodeid.ID, 0, len(s.members))
	for m := range s.members {
		targets = append(targets, m)
	}
	f.mu.Unlock()

	f.sendToTargets(group, seq, msg, targets)
}

func (f *FOMulticast) sendToTargets(group string, seq uint64, msg *sentMessage, targets []nodeid.ID) {
	env, err := proto.Pack(proto.TagDeliver, 0, seq, f.self, proto.DeliverPayload{Group: group, Kind: msg.kind, Payload: msg.payload})
	if err != nil {
		f.log.WithError(err).Error("failed to pack DELIVER")
		return
	}
	for _, t := range targets {
		if err := f.uc.Send(t.String(), env); err != nil {
			f.log.WithError(err).Debug("failed to send DELIVER")
		}
	}
}

// Run drives the periodic retransmit scan until ctx is cancelled.
func (f *FOMulticast) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.RetransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.retransmitUnacked()
		}
	}
}

func (f *FOMulticast) retransmitUnacked() {
	type job struct {
		group   string
		seq     uint64
		msg     *sentMessage
		targets []nodeid.ID
	}
	var jobs []job

	f.mu.Lock()
	for group, s := range f.senders {
		for seq, msg := range s.buffer {
			var targets []nodeid.ID
			for m := range s.members {
				if !msg.ackedBy[m] {
					targets = append(targets, m)
				}
			}
			if len(targets) > 0 {
				jobs = append(jobs, job{group: group, seq: seq, msg: msg, targets: targets})
			}
		}
	}
	f.mu.Unlock()

	for _, j := range jobs {
		if f.metrics != nil {
			f.metrics.FOMulticastRetransmits.Inc()
		}
		f.sendToTargets(j.group, j.seq, j.msg, j.targets)
	}
}

func (f *FOMulticast) fullyAckedLocked(s *senderState, msg *sentMessage) bool {
	for m := range s.members {
		if !msg.ackedBy[m] {
			return false
		}
	}
	return true
}

// HandleAck records a member's acknowledgement of seq in group, retiring
// the message from the retransmit buffer once every current member has
// acked it.
func (f *FOMulticast) HandleAck(env proto.Envelope) {
	var p proto.AckPayload
	if err := proto.Unpack(env, &p); err != nil {
		f.log.WithError(err).Debug("dropping malformed ACK")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[p.Group]
	if !ok {
		return
	}
	msg, ok := s.buffer[p.Seq]
	if !ok {
		return
	}
	msg.ackedBy[env.Sender] = true
	if f.fullyAckedLocked(s, msg) {
		delete(s.buffer, p.Seq)
	}
}

// JoinReceive initializes this node's ReceiveState for (group, sender) at
// startSeq, the sequence handed back in a JOIN_GROUP reply.
func (f *FOMulticast) JoinReceive(group string, sender nodeid.ID, startSeq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receivers[receiverKey{group: group, sender: sender}] = &receiverState{expectedSeq: startSeq, holdback: make(map[uint64]proto.DeliverPayload)}
}

// HandleDeliver dedupes, delivers in order, buffers early arrivals in
// holdback until the gap closes, and ACKs every seq regardless of
// delivery outcome.
func (f *FOMulticast) HandleDeliver(env proto.Envelope) {
	var p proto.DeliverPayload
	if err := proto.Unpack(env, &p); err != nil {
		f.log.WithError(err).Debug("dropping malformed DELIVER")
		return
	}
	key := receiverKey{group: p.Group, sender: env.Sender}

	f.mu.Lock()
	rs, ok := f.receivers[key]
	if !ok {
		rs = &receiverState{expectedSeq: env.Seq, holdback: make(map[uint64]proto.DeliverPayload)}
		f.receivers[key] = rs
	}

	type queued struct {
		kind    proto.Tag
		payload any
	}
	var toDeliver []queued
	switch {
	case env.Seq < rs.expectedSeq:
		// duplicate: ack only
	case env.Seq == rs.expectedSeq:
		toDeliver = append(toDeliver, queued{p.Kind, p.Payload})
		rs.expectedSeq++
		for {
			next, ok := rs.holdback[rs.expectedSeq]
			if !ok {
				break
			}
			delete(rs.holdback, rs.expectedSeq)
			toDeliver = append(toDeliver, queued{next.Kind, next.Payload})
			rs.expectedSeq++
		}
	default:
		rs.holdback[env.Seq] = p
	}
	f.mu.Unlock()

	for _, d := range toDeliver {
		if f.on != nil {
			f.on(p.Group, env.Sender, d.kind, d.payload)
		}
	}

	ack, err := proto.Pack(proto.TagAck, 0, env.Seq, f.self, proto.AckPayload{Group: p.Group, Sender: env.Sender, Seq: env.Seq})
	if err != nil {
		f.log.WithError(err).Error("failed to pack ACK")
		return
	}
	if err := f.uc.Send(env.Sender.String(), ack); err != nil {
		f.log.WithError(err).Debug("failed to send ACK")
	}
}
