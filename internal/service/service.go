// Package service implements the leader-only client-facing front-end:
// REGISTER/CREATE_GROUP/JOIN_GROUP/LEAVE_GROUP/START_VOTE/CAST_BALLOT,
// vote-deadline scheduling, and idempotent request handling. The deadline
// scheduler generalizes a ticker-driven main loop from a fixed health
// check interval to a container/heap priority queue keyed on per-vote
// deadlines.
package service

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/fistfight/votecast/internal/fomulticast"
	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/replication"
	"github.com/fistfight/votecast/internal/servererr"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Service is the leader-only state store plus client-op handlers. It
// implements replication.StateMachine (see state.go).
type Service struct {
	self nodeid.ID
	uc   *transport.Unicast
	repl *replication.Replication
	fm   *fomulticast.FOMulticast

	isLeader func() bool
	leaderID func() nodeid.ID

	mu      sync.Mutex
	clients map[string]*ClientRecord
	tokens  map[string]string // token -> ClientID
	groups  map[string]*Group
	votes   map[string]*Vote

	requestMu sync.Mutex
	requests  map[string]proto.ServiceReply

	deadlines voteHeap
	voteAdded chan struct{}

	metrics *metrics.Registry
	log     *log.Entry
}

// New builds a Service. isLeader/leaderID are callbacks into the election
// subsystem, wired as plain functions (matching the heartbeat/election
// callback pattern) rather than a direct import, since service sits at the
// top of the dependency chain and importing election here would be fine
// but the indirection keeps every cross-subsystem query uniform.
func New(self nodeid.ID, uc *transport.Unicast, repl *replication.Replication, fm *fomulticast.FOMulticast, isLeader func() bool, leaderID func() nodeid.ID, reg *metrics.Registry, logger *log.Entry) *Service {
	return &Service{
		self:      self,
		uc:        uc,
		repl:      repl,
		fm:        fm,
		isLeader:  isLeader,
		leaderID:  leaderID,
		clients:   make(map[string]*ClientRecord),
		tokens:    make(map[string]string),
		groups:    make(map[string]*Group),
		votes:     make(map[string]*Vote),
		requests:  make(map[string]proto.ServiceReply),
		voteAdded: make(chan struct{}, 1),
		metrics:   reg,
		log:       logger.WithField("component", "service"),
	}
}

// SetReplication wires the Replication instance after construction,
// breaking the Service<->Replication initialization cycle: Replication.New
// requires a StateMachine (this Service) and Service's handlers require a
// *Replication to call ReplicateOp on, so the caller builds Service with a
// nil repl, builds Replication against it, then calls this.
func (s *Service) SetReplication(repl *replication.Replication) {
	s.repl = repl
}

// OnBecomeLeader primes the FO-multicast sender state and the vote
// deadline scheduler from whatever groups/votes this node already holds
// (either because it was a follower with replicated state, or because
// Bootstrap just installed a peer's snapshot). Call this once, right
// after a leadership transition and before serving client requests.
func (s *Service) OnBecomeLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		members := make([]nodeid.ID, 0, len(g.Members))
		for clientID := range g.Members {
			if c, ok := s.clients[clientID]; ok {
				members = append(members, c.Address)
			}
		}
		s.fm.OpenGroup(g.Name, members)
	}
	s.rescheduleVotesLocked()
}

// Run drives the vote-deadline scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait time.Duration
		hasNext := s.deadlines.Len() > 0
		if hasNext {
			wait = time.Until(s.deadlines[0].deadline)
		}
		s.mu.Unlock()

		if !hasNext {
			select {
			case <-ctx.Done():
				return
			case <-s.voteAdded:
				continue
			}
		}

		if wait <= 0 {
			s.fireNextDeadline()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.voteAdded:
			timer.Stop()
		case <-timer.C:
			s.fireNextDeadline()
		}
	}
}

func (s *Service) fireNextDeadline() {
	s.mu.Lock()
	if s.deadlines.Len() == 0 {
		s.mu.Unlock()
		return
	}
	item := heap.Pop(&s.deadlines).(*voteDeadlineItem)
	v, ok := s.votes[item.voteID]
	stillOpen := ok && v.State == voteOpen
	s.mu.Unlock()

	if stillOpen {
		s.closeVote(item.voteID)
	}
}

func (s *Service) scheduleDeadline(voteID string, deadline time.Time) {
	heap.Push(&s.deadlines, &voteDeadlineItem{voteID: voteID, deadline: deadline})
	select {
	case s.voteAdded <- struct{}{}:
	default:
	}
}

func (s *Service) rescheduleVotesLocked() {
	s.deadlines = s.deadlines[:0]
	for _, v := range s.votes {
		if v.State == voteOpen {
			heap.Push(&s.deadlines, &voteDeadlineItem{voteID: v.VoteID, deadline: v.Deadline})
		}
	}
}

// --- idempotency cache ---

func (s *Service) cached(requestID string) (proto.ServiceReply, bool) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()
	r, ok := s.requests[requestID]
	return r, ok
}

func (s *Service) remember(requestID string, reply proto.ServiceReply) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()
	s.requests[requestID] = reply
}

// --- shared reply/validation helpers ---

func (s *Service) reply(to nodeid.ID, r proto.ServiceReply) {
	env, err := proto.Pack(proto.TagReply, 0, 0, s.self, r)
	if err != nil {
		s.log.WithError(err).Error("failed to pack service reply")
		return
	}
	if err := s.uc.Send(to.String(), env); err != nil {
		s.log.WithError(err).Debug("failed to send service reply")
	}
}

// notLeader replies PROTOCOL_UNEXPECTED with a redirect when this node
// isn't leader, and reports whether the caller should stop processing.
func (s *Service) notLeader(to nodeid.ID, requestID string) bool {
	if s.isLeader != nil && s.isLeader() {
		return false
	}
	r := proto.ServiceReply{RequestID: requestID, Code: string(servererr.CodeNoLeader), Message: "this node is not the leader"}
	if s.leaderID != nil {
		if lid := s.leaderID(); !lid.Zero() {
			r.Code = string(servererr.CodeRedirect)
			r.Redirect = lid
			r.Message = "redirect to current leader"
		}
	}
	s.reply(to, r)
	return true
}

func (s *Service) authenticate(token string) (*ClientRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientID, ok := s.tokens[token]
	if !ok {
		return nil, false
	}
	c := s.clients[clientID]
	return c, c != nil
}

// --- REGISTER ---

func (s *Service) HandleRegister(env proto.Envelope) {
	var req proto.RegisterRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed REGISTER")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	clientID := newClientID()
	token := newToken()
	wire := proto.ClientRecordWire{ClientID: clientID, Address: req.Address, Token: token}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplClientRegister, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate REGISTER")
	}

	leader := s.self
	if s.leaderID != nil {
		leader = s.leaderID()
	}
	reply := proto.ServiceReply{RequestID: req.RequestID, Result: proto.RegisterResponse{ClientID: clientID, Token: token, LeaderID: leader}}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

// --- CREATE_GROUP ---

func (s *Service) HandleCreateGroup(env proto.Envelope) {
	var req proto.CreateGroupRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed CREATE_GROUP")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	client, ok := s.authenticate(req.Token)
	if !ok {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeAuthFailed), Message: "unknown token"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	s.mu.Lock()
	_, exists := s.groups[req.Name]
	s.mu.Unlock()
	if exists {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeNameTaken), Message: "group name already in use"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	wire := proto.GroupWire{Name: req.Name, Members: []string{client.ClientID}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplGroupCreate, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate CREATE_GROUP")
	}
	s.fm.OpenGroup(req.Name, []nodeid.ID{client.Address})

	reply := proto.ServiceReply{RequestID: req.RequestID}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

// --- JOIN_GROUP ---

func (s *Service) HandleJoinGroup(env proto.Envelope) {
	var req proto.JoinGroupRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed JOIN_GROUP")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	client, ok := s.authenticate(req.Token)
	if !ok {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeAuthFailed), Message: "unknown token"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	s.mu.Lock()
	_, exists := s.groups[req.Name]
	s.mu.Unlock()
	if !exists {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeNoSuchGroup), Message: "no such group"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	wire := proto.GroupMembershipWire{Name: req.Name, ClientID: client.ClientID}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplGroupJoin, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate JOIN_GROUP")
	}
	s.fm.AddMember(req.Name, client.Address)
	nextSeq := s.fm.NextSeq(req.Name)

	reply := proto.ServiceReply{RequestID: req.RequestID, Result: proto.JoinGroupResponse{NextSeq: nextSeq}}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

// --- LEAVE_GROUP ---

func (s *Service) HandleLeaveGroup(env proto.Envelope) {
	var req proto.LeaveGroupRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed LEAVE_GROUP")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	client, ok := s.authenticate(req.Token)
	if !ok {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeAuthFailed), Message: "unknown token"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	s.mu.Lock()
	g, exists := s.groups[req.Name]
	isMember := exists && g.Members[client.ClientID]
	s.mu.Unlock()
	if !exists || !isMember {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeNotMember), Message: "not a member of this group"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	wire := proto.GroupMembershipWire{Name: req.Name, ClientID: client.ClientID}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplGroupLeave, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate LEAVE_GROUP")
	}
	s.fm.RemoveMember(req.Name, client.Address)

	reply := proto.ServiceReply{RequestID: req.RequestID}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

// --- START_VOTE ---

func (s *Service) HandleStartVote(env proto.Envelope) {
	var req proto.StartVoteRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed START_VOTE")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	client, ok := s.authenticate(req.Token)
	if !ok {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeAuthFailed), Message: "unknown token"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	s.mu.Lock()
	g, exists := s.groups[req.Group]
	isMember := exists && g.Members[client.ClientID]
	s.mu.Unlock()
	if !exists || !isMember {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeNotMember), Message: "not a member of this group"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}
	if len(req.Options) == 0 {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeBadOptions), Message: "a vote needs at least one option"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	voteID := newClientID()
	deadline := time.Now().Add(req.Timeout)
	wire := proto.VoteWire{VoteID: voteID, Group: req.Group, Topic: req.Topic, Options: req.Options, Deadline: deadline, State: voteOpen}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplVoteStart, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate START_VOTE")
	}

	s.mu.Lock()
	s.scheduleDeadline(voteID, deadline)
	s.mu.Unlock()

	s.fm.Send(req.Group, proto.TagVoteOpen, proto.VoteOpenPayload{VoteID: voteID, Topic: req.Topic, Options: req.Options, Deadline: deadline})

	reply := proto.ServiceReply{RequestID: req.RequestID, Result: proto.StartVoteResponse{VoteID: voteID}}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

// --- CAST_BALLOT ---

func (s *Service) HandleCastBallot(env proto.Envelope) {
	var req proto.CastBallotRequest
	if err := proto.Unpack(env, &req); err != nil {
		s.log.WithError(err).Debug("dropping malformed CAST_BALLOT")
		return
	}
	if s.notLeader(env.Sender, req.RequestID) {
		return
	}
	if cached, ok := s.cached(req.RequestID); ok {
		s.reply(env.Sender, cached)
		return
	}

	client, ok := s.authenticate(req.Token)
	if !ok {
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeAuthFailed), Message: "unknown token"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}

	s.mu.Lock()
	v, exists := s.votes[req.VoteID]
	if !exists {
		s.mu.Unlock()
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeNoSuchVote), Message: "no such vote"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}
	_, alreadyVoted := v.Ballots[client.ClientID]
	if alreadyVoted {
		// A client that has voted gets a duplicate ack even if the vote
		// has since closed: re-sends after a failover must not surface
		// spurious CLOSED errors.
		s.mu.Unlock()
		reply := proto.ServiceReply{RequestID: req.RequestID, Result: proto.CastBallotResponse{Duplicate: true}}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}
	if v.State != voteOpen {
		s.mu.Unlock()
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeClosed), Message: "vote is closed"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}
	if req.OptionIndex < 0 || req.OptionIndex >= len(v.Options) {
		s.mu.Unlock()
		reply := proto.ServiceReply{RequestID: req.RequestID, Code: string(servererr.CodeBadOptions), Message: "option index out of range"}
		s.remember(req.RequestID, reply)
		s.reply(env.Sender, reply)
		return
	}
	groupName := v.Group
	s.mu.Unlock()

	wire := proto.VoteBallotWire{VoteID: req.VoteID, ClientID: client.ClientID, OptionIndex: req.OptionIndex}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplVoteBallot, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate CAST_BALLOT")
	}

	s.fm.Send(groupName, proto.TagBallotCount, proto.BallotCountedPayload{VoteID: req.VoteID, ClientID: client.ClientID, OptionIndex: req.OptionIndex})

	s.mu.Lock()
	allVoted := exists && len(v.Ballots) >= len(s.groupMembersLocked(groupName))
	s.mu.Unlock()
	if allVoted {
		s.closeVote(req.VoteID)
	}

	reply := proto.ServiceReply{RequestID: req.RequestID, Result: proto.CastBallotResponse{Duplicate: false}}
	s.remember(req.RequestID, reply)
	s.reply(env.Sender, reply)
}

func (s *Service) groupMembersLocked(name string) map[string]bool {
	if g, ok := s.groups[name]; ok {
		return g.Members
	}
	return nil
}

// closeVote computes the tally, applies the lowest-index tie-break,
// FO-multicasts VOTE_RESULT, and replicates VOTE_CLOSE. Safe to call from
// either the deadline scheduler or a CAST_BALLOT handler that just
// observed full turnout.
func (s *Service) closeVote(voteID string) {
	s.mu.Lock()
	v, ok := s.votes[voteID]
	if !ok || v.State != voteOpen {
		s.mu.Unlock()
		return
	}
	counts := make([]int, len(v.Options))
	for _, opt := range v.Ballots {
		counts[opt]++
	}
	winnerIdx := 0
	for i := 1; i < len(counts); i++ {
		if counts[i] > counts[winnerIdx] {
			winnerIdx = i
		}
	}
	winner := ""
	if len(v.Options) > 0 {
		winner = v.Options[winnerIdx]
	}
	group := v.Group
	s.mu.Unlock()

	wire := proto.VoteCloseWire{VoteID: voteID, Counts: counts, Winner: winner}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repl.ReplicateOp(ctx, proto.ReplVoteClose, wire); err != nil {
		s.log.WithError(err).Error("failed to replicate VOTE_CLOSE")
	}

	s.fm.Send(group, proto.TagVoteResult, proto.VoteResultPayload{VoteID: voteID, Counts: counts, Winner: winner})
}

// --- priority queue of vote deadlines (container/heap) ---

type voteDeadlineItem struct {
	voteID   string
	deadline time.Time
	index    int
}

type voteHeap []*voteDeadlineItem

func (h voteHeap) Len() int { return len(h) }
func (h voteHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h voteHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *voteHeap) Push(x any) {
	item := x.(*voteDeadlineItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *voteHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
